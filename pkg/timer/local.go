package timer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Local is an in-process timer service for deployments without an external
// timer cluster. Timers do not survive a restart.
type Local struct {
	callback   Callback
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	timers map[string]*localTimer
	closed bool
}

type localTimer struct {
	id       string
	target   Target
	timing   Timing
	deadline time.Time
	t        *time.Timer
	gen      uint64 // bumped on every arm; older firings drop out
}

// NewLocal creates a local timer service delivering firings to callback.
func NewLocal(callback Callback, logger *zap.Logger) *Local {
	return &Local{
		callback: callback,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		timers: make(map[string]*localTimer),
	}
}

// Schedule creates a recurring timer for target.
func (l *Local) Schedule(ctx context.Context, target Target, timing Timing) (string, error) {
	if timing.Interval <= 0 {
		return "", fmt.Errorf("invalid timer interval %s", timing.Interval)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrUnavailable
	}
	lt := &localTimer{id: uuid.NewString(), target: target}
	l.arm(lt, timing)
	l.timers[lt.id] = lt
	return lt.id, nil
}

// Reschedule restarts timer id relative to now, keeping its id.
func (l *Local) Reschedule(ctx context.Context, id string, target Target, timing Timing) (string, error) {
	if timing.Interval <= 0 {
		return "", fmt.Errorf("invalid timer interval %s", timing.Interval)
	}
	l.mu.Lock()
	lt, ok := l.timers[id]
	if ok {
		lt.t.Stop()
		lt.target = target
		l.arm(lt, timing)
	}
	l.mu.Unlock()
	if !ok {
		return l.Schedule(ctx, target, timing)
	}
	return id, nil
}

// Cancel stops timer id.
func (l *Local) Cancel(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lt, ok := l.timers[id]; ok {
		lt.t.Stop()
		delete(l.timers, id)
	}
	return nil
}

// Pending returns the number of outstanding timers.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop cancels every outstanding timer.
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, lt := range l.timers {
		lt.t.Stop()
		delete(l.timers, id)
	}
	l.closed = true
}

// arm must be called with l.mu held.
func (l *Local) arm(lt *localTimer, timing Timing) {
	repeatFor := timing.RepeatFor
	if repeatFor < timing.Interval {
		repeatFor = timing.Interval
	}
	lt.timing = timing
	lt.deadline = time.Now().Add(repeatFor)
	l.rearm(lt)
}

// rearm must be called with l.mu held.
func (l *Local) rearm(lt *localTimer) {
	lt.gen++
	id, gen := lt.id, lt.gen
	lt.t = time.AfterFunc(lt.timing.Interval, func() { l.fire(id, gen) })
}

// fire delivers one firing of timer id. A firing from an arming that has
// since been replaced is dropped, so each id has one firing chain.
func (l *Local) fire(id string, gen uint64) {
	l.mu.Lock()
	lt, ok := l.timers[id]
	if !ok || lt.gen != gen {
		l.mu.Unlock()
		return
	}
	target := lt.target
	if time.Now().Add(lt.timing.Interval).After(lt.deadline) {
		delete(l.timers, id)
	} else {
		l.rearm(lt)
	}
	l.mu.Unlock()

	if err := l.deliver(id, target); err != nil {
		l.logger.Warn("Timer callback failed",
			zap.String("timer_id", id),
			zap.String("call_id", target.CallID),
			zap.Error(err))
	}
}

func (l *Local) deliver(id string, target Target) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.callback.URI(target), http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(HeaderTimerID, id)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver firing: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
