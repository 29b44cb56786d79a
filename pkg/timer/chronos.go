package timer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strings"
	"time"
)

// Chronos is a client for a Chronos-compatible timer service.
type Chronos struct {
	baseURL    string
	callback   Callback
	httpClient *http.Client
}

type chronosTiming struct {
	Interval  int64 `json:"interval"`
	RepeatFor int64 `json:"repeat-for"`
}

type chronosHTTPCallback struct {
	URI    string `json:"uri"`
	Opaque string `json:"opaque"`
}

type chronosCallback struct {
	HTTP chronosHTTPCallback `json:"http"`
}

// ChronosTimer is the request body for creating or replacing a timer.
type ChronosTimer struct {
	Timing   chronosTiming   `json:"timing"`
	Callback chronosCallback `json:"callback"`
}

// NewChronos creates a client for the timer service at baseURL. Firings are
// delivered to callback.
func NewChronos(baseURL string, callback Callback) *Chronos {
	return &Chronos{
		baseURL:  strings.TrimRight(baseURL, "/"),
		callback: callback,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Schedule creates a timer and returns the id from the Location header.
func (c *Chronos) Schedule(ctx context.Context, target Target, timing Timing) (string, error) {
	return c.send(ctx, http.MethodPost, c.baseURL+"/timers", target, timing)
}

// Reschedule replaces timer id. An id the service no longer knows is recreated.
func (c *Chronos) Reschedule(ctx context.Context, id string, target Target, timing Timing) (string, error) {
	if id == "" {
		return c.Schedule(ctx, target, timing)
	}
	newID, err := c.send(ctx, http.MethodPut, c.baseURL+"/timers/"+id, target, timing)
	if errors.Is(err, errTimerNotFound) {
		return c.Schedule(ctx, target, timing)
	}
	return newID, err
}

// Cancel deletes timer id.
func (c *Chronos) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/timers/"+id, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: delete timer status %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("delete timer failed with status %d", resp.StatusCode)
	}
}

var errTimerNotFound = errors.New("timer not found")

func (c *Chronos) send(ctx context.Context, method, url string, target Target, timing Timing) (string, error) {
	repeatFor := timing.RepeatFor
	if repeatFor < timing.Interval {
		repeatFor = timing.Interval
	}
	body, err := json.Marshal(ChronosTimer{
		Timing: chronosTiming{
			Interval:  seconds(timing.Interval),
			RepeatFor: seconds(repeatFor),
		},
		Callback: chronosCallback{HTTP: chronosHTTPCallback{
			URI:    c.callback.URI(target),
			Opaque: "{}",
		}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal timer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodPut:
		return "", errTimerNotFound
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: %s timer status %d", ErrUnavailable, method, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%s timer failed with status %d", method, resp.StatusCode)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("%s timer response has no Location", method)
	}
	return path.Base(loc), nil
}

// seconds rounds d up to whole seconds, with a minimum of one.
func seconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
