// Package dispatch delivers accounting records to charging peers and
// classifies the result as sent, retryable or fatal.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

// Result classifies a dispatch attempt.
type Result int

const (
	// Sent means a peer accepted the record.
	Sent Result = iota
	// Retryable means no peer accepted the record but a later attempt may succeed.
	Retryable
	// Fatal means a peer permanently rejected the record.
	Fatal
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event describes one accounting record.
type Event struct {
	RecordType      session.RecordType
	CallID          string
	SessionID       string
	RecordNumber    uint32
	InterimInterval uint32
	Realm           string   // destination realm hint, empty for the default
	Peers           []string // preferred CCFs, tried first
	AVPs            json.RawMessage
	TrailID         string
}

// Dispatcher sends accounting events. The error explains a non-Sent result.
type Dispatcher interface {
	Send(ctx context.Context, ev *Event) (Result, error)
}
