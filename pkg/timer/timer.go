// Package timer schedules interim refresh timers. Firings are delivered as
// HTTP requests to the gateway's own call-id endpoint rather than as
// in-process calls.
package timer

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable is returned when the timer service cannot be reached.
var ErrUnavailable = errors.New("timer service unavailable")

const (
	// HeaderTimerID carries the id of the firing timer on callback requests.
	HeaderTimerID = "X-Timer-ID"

	// QuerySessionID names the session a timer was armed for in its callback URI.
	QuerySessionID = "session-id"
)

// Timing describes a recurring timer: fire every Interval until RepeatFor has elapsed.
type Timing struct {
	Interval  time.Duration
	RepeatFor time.Duration
}

// Target is what a timer fires for. SessionID travels in the callback URI so
// a firing armed for an earlier session of the same call can be told apart.
type Target struct {
	CallID    string
	SessionID string
}

// Service schedules, reschedules and cancels interim timers.
type Service interface {
	// Schedule creates a timer for target and returns its id.
	Schedule(ctx context.Context, target Target, timing Timing) (string, error)

	// Reschedule restarts timer id with new timing relative to now. The
	// returned id replaces id; it is a new timer if id was unknown.
	Reschedule(ctx context.Context, id string, target Target, timing Timing) (string, error)

	// Cancel stops timer id. Cancelling an unknown timer succeeds.
	Cancel(ctx context.Context, id string) error
}

// Callback builds the URI a timer firing is delivered to.
type Callback struct {
	BaseURL string // e.g. http://127.0.0.1:10888
}

// URI returns the firing target for t.
func (c Callback) URI(t Target) string {
	uri := strings.TrimRight(c.BaseURL, "/") + "/call-id/" + url.PathEscape(t.CallID) + "?timer-interim=true"
	if t.SessionID != "" {
		uri += "&" + QuerySessionID + "=" + url.QueryEscape(t.SessionID)
	}
	return uri
}
