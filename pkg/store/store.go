// Package store persists billing sessions keyed by call id with optimistic
// concurrency. Every write carries the version observed by a prior read.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/codec"
	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

// SessionStore is a domain layer over a Backend.
type SessionStore struct {
	backend Backend
	codec   *codec.Codec
	logger  *zap.Logger
}

// New creates a session store.
func New(backend Backend, c *codec.Codec, logger *zap.Logger) *SessionStore {
	return &SessionStore{backend: backend, codec: c, logger: logger}
}

// Get reads the session for callID.
//
// A record that no format can decode is reported as ErrCorruptRecord together
// with its version, so a caller may replace it with a conditional Put.
func (s *SessionStore) Get(ctx context.Context, callID string) (*session.Session, Version, error) {
	data, version, err := s.backend.Get(ctx, callID)
	if err != nil {
		return nil, 0, translate(err)
	}

	sess, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("Discarding undecodable session record",
			zap.String("call_id", callID),
			zap.Int("size", len(data)),
			zap.Error(err))
		return nil, version, ErrCorruptRecord
	}
	sess.CallID = callID
	return sess, version, nil
}

// Put writes sess if the stored version equals expected. Use a zero expected
// version to create a session that must not already exist.
func (s *SessionStore) Put(ctx context.Context, callID string, sess *session.Session, expected Version) (Version, error) {
	data, err := s.codec.Encode(sess)
	if err != nil {
		return 0, fmt.Errorf("encode session %s: %w", callID, err)
	}
	v, err := s.backend.Put(ctx, callID, data, expected)
	if err != nil {
		return 0, translate(err)
	}
	return v, nil
}

// Delete removes the session if the stored version equals expected.
func (s *SessionStore) Delete(ctx context.Context, callID string, expected Version) error {
	return translate(s.backend.Delete(ctx, callID, expected))
}

// Close closes the backend.
func (s *SessionStore) Close() error {
	return s.backend.Close()
}

// translate maps backend failures onto the store outcomes. Anything that is
// not a known outcome is treated as the backend being unreachable.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
