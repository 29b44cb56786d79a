// Package codec serializes sessions for the session store.
//
// A codec writes exactly one format and reads every registered format, trying
// the write format first. Records written by an older fleet therefore stay
// readable after the write format is switched.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

// ErrCorruptRecord is returned when no registered format parses a payload.
var ErrCorruptRecord = errors.New("corrupt session record")

// Format is one wire layout for a persisted session.
type Format interface {
	Name() string
	Encode(s *session.Session) ([]byte, error)
	Decode(data []byte) (*session.Session, error)
}

// Codec encodes with one format and decodes with an ordered list.
type Codec struct {
	writer  Format
	readers []Format
}

// New builds a codec writing with write. The read order is write followed by
// readers in the order given, skipping duplicates by name.
func New(write Format, readers ...Format) *Codec {
	c := &Codec{writer: write, readers: []Format{write}}
	seen := map[string]bool{write.Name(): true}
	for _, r := range readers {
		if seen[r.Name()] {
			continue
		}
		seen[r.Name()] = true
		c.readers = append(c.readers, r)
	}
	return c
}

// Formats returns every known format in the default read order.
func Formats() []Format {
	return []Format{JSON{}, Binary{}}
}

// ByName looks up a known format.
func ByName(name string) (Format, error) {
	for _, f := range Formats() {
		if f.Name() == strings.ToLower(name) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("unknown store format %q", name)
}

// NewForWriteFormat builds a codec writing the named format and reading all known formats.
func NewForWriteFormat(name string) (*Codec, error) {
	w, err := ByName(name)
	if err != nil {
		return nil, err
	}
	return New(w, Formats()...), nil
}

// WriteFormat returns the name of the format used by Encode.
func (c *Codec) WriteFormat() string {
	return c.writer.Name()
}

// ReadOrder returns the names of the read formats in the order they are tried.
func (c *Codec) ReadOrder() []string {
	names := make([]string, len(c.readers))
	for i, r := range c.readers {
		names[i] = r.Name()
	}
	return names
}

// Encode serializes s with the write format.
func (c *Codec) Encode(s *session.Session) ([]byte, error) {
	data, err := c.writer.Encode(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.writer.Name(), err)
	}
	return data, nil
}

// Decode returns the first successful parse, or ErrCorruptRecord.
func (c *Codec) Decode(data []byte) (*session.Session, error) {
	var errs []error
	for _, r := range c.readers {
		s, err := r.Decode(data)
		if err == nil {
			return s, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
	}
	return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, errors.Join(errs...))
}
