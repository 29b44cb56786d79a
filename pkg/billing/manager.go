// Package billing owns the per-call accounting state machine.
//
// The manager holds no per-call state in memory. Ordering between concurrent
// operations on one call is decided by the session store's conditional
// writes: the loser of a race re-reads and re-applies its change.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/dispatch"
	"github.com/codelaboratoryltd/rfgw/pkg/monitor"
	"github.com/codelaboratoryltd/rfgw/pkg/session"
	"github.com/codelaboratoryltd/rfgw/pkg/store"
	"github.com/codelaboratoryltd/rfgw/pkg/timer"
)

// Outcome is the result of a billing operation.
type Outcome int

const (
	OK Outcome = iota
	// Ignored is a timer firing for a session that is gone or was rescheduled.
	Ignored
	NotFound
	AlreadyExists
	Conflict
	UpstreamUnavailable
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Ignored:
		return "ignored"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Conflict:
		return "conflict"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// StartPolicy decides what a START does when the call already has a session.
type StartPolicy int

const (
	// RejectExisting fails the START with AlreadyExists.
	RejectExisting StartPolicy = iota
	// OverwriteExisting replaces the session and its timer.
	OverwriteExisting
)

// ParseStartPolicy parses "reject" or "overwrite".
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch s {
	case "reject", "":
		return RejectExisting, nil
	case "overwrite":
		return OverwriteExisting, nil
	}
	return 0, fmt.Errorf("unknown start policy %q", s)
}

// SessionStore is the versioned session persistence used by the manager.
type SessionStore interface {
	Get(ctx context.Context, callID string) (*session.Session, store.Version, error)
	Put(ctx context.Context, callID string, s *session.Session, expected store.Version) (store.Version, error)
	Delete(ctx context.Context, callID string, expected store.Version) error
}

// Observer receives operational counters. Metrics implements it.
type Observer interface {
	RecordDispatch(recordType, result string)
	RecordCASRetry()
	RecordStoreOp(op, result string)
	RecordTimerOp(op, result string)
	RecordCorruptRecord()
	RecordStaleFiring()
}

// Config configures the manager.
type Config struct {
	StartPolicy            StartPolicy
	DefaultInterimInterval uint32        // seconds, used when START carries none
	SessionTTL             time.Duration // lifetime of an interim timer
	MaxCASAttempts         int
	OriginHost             string // prefix of generated session ids
}

// DefaultConfig returns manager defaults.
func DefaultConfig() Config {
	return Config{
		StartPolicy:            RejectExisting,
		DefaultInterimInterval: 300,
		SessionTTL:             24 * time.Hour,
		MaxCASAttempts:         3,
		OriginHost:             "rfgw.local",
	}
}

// Manager runs the session state machine.
type Manager struct {
	config     Config
	store      SessionStore
	timers     timer.Service
	dispatcher dispatch.Dispatcher
	monitors   *monitor.Set
	observer   Observer
	logger     *zap.Logger

	now          func() time.Time
	newSessionID func() string
}

// NewManager creates a manager. observer may be nil.
func NewManager(config Config, st SessionStore, timers timer.Service, d dispatch.Dispatcher, monitors *monitor.Set, observer Observer, logger *zap.Logger) *Manager {
	if config.MaxCASAttempts <= 0 {
		config.MaxCASAttempts = DefaultConfig().MaxCASAttempts
	}
	if config.DefaultInterimInterval == 0 {
		config.DefaultInterimInterval = DefaultConfig().DefaultInterimInterval
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = DefaultConfig().SessionTTL
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if monitors == nil {
		monitors = monitor.NewSet(monitor.DefaultConfig(), nil, logger)
	}
	m := &Manager{
		config:     config,
		store:      st,
		timers:     timers,
		dispatcher: d,
		monitors:   monitors,
		observer:   observer,
		logger:     logger,
		now:        time.Now,
	}
	m.newSessionID = func() string {
		return m.config.OriginHost + ";" + strconv.FormatInt(m.now().Unix(), 10) + ";" + uuid.NewString()
	}
	return m
}

// HandleEvent processes an HTTP billing request.
func (m *Manager) HandleEvent(ctx context.Context, req *Request) Outcome {
	log := m.logger.With(
		zap.String("call_id", req.CallID),
		zap.String("trail_id", req.TrailID),
		zap.Stringer("record_type", req.Kind))

	switch req.Kind {
	case session.RecordStart:
		return m.start(ctx, req, log)
	case session.RecordInterim:
		return m.interim(ctx, req, nil, log)
	case session.RecordStop:
		return m.stop(ctx, req, log)
	case session.RecordEvent:
		return m.event(ctx, req, log)
	}
	log.Warn("Unsupported record type")
	return Rejected
}

// TimerFiring identifies one interim timer firing. TimerID and SessionID
// are empty when the timer service does not report them.
type TimerFiring struct {
	CallID    string
	TimerID   string
	SessionID string
	TrailID   string
}

// stale reports whether the firing was armed for something other than sess.
func (f *TimerFiring) stale(sess *session.Session) bool {
	return (f.TimerID != "" && f.TimerID != sess.TimerID) ||
		(f.SessionID != "" && f.SessionID != sess.SessionID)
}

// HandleTimerFired processes an interim timer firing.
func (m *Manager) HandleTimerFired(ctx context.Context, f TimerFiring) Outcome {
	log := m.logger.With(
		zap.String("call_id", f.CallID),
		zap.String("trail_id", f.TrailID),
		zap.String("timer_id", f.TimerID),
		zap.String("session_id", f.SessionID),
		zap.Stringer("record_type", session.RecordInterim))

	return m.interim(ctx, &Request{
		CallID:  f.CallID,
		Kind:    session.RecordInterim,
		TrailID: f.TrailID,
	}, &f, log)
}

func (m *Manager) start(ctx context.Context, req *Request, log *zap.Logger) Outcome {
	existing, version, err := m.read(ctx, req.CallID, log)
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return UpstreamUnavailable
	case err == nil && m.config.StartPolicy == RejectExisting:
		log.Info("START for existing session rejected")
		return AlreadyExists
	}

	interval := req.InterimInterval
	if interval == 0 {
		interval = m.config.DefaultInterimInterval
	}
	sess := &session.Session{
		CallID:           req.CallID,
		SessionID:        m.newSessionID(),
		Role:             req.Role,
		Function:         req.Function,
		RecordType:       session.RecordStart,
		RecordNumber:     0,
		InterimInterval:  interval,
		Peers:            req.Peers,
		DestinationRealm: req.Realm,
		BillingRequest:   req.Body,
		TrailID:          req.TrailID,
	}

	if out, ok := m.send(ctx, sess, session.RecordStart, req.Event, log); !ok {
		return out
	}

	sess.RecordNumber = 1
	sess.SessionRefreshTime = sess.NextRefresh(m.now())
	sess.TimerID = m.schedule(ctx, sess, log)

	for attempt := 1; ; attempt++ {
		_, err := m.store.Put(ctx, req.CallID, sess, version)
		m.storeResult("put", err)
		switch {
		case err == nil:
			if existing != nil && existing.TimerID != "" && existing.TimerID != sess.TimerID {
				m.cancel(ctx, existing.TimerID, log)
			}
			log.Info("Session started",
				zap.String("session_id", sess.SessionID),
				zap.Uint32("interim_interval", sess.InterimInterval))
			return OK
		case errors.Is(err, store.ErrVersionConflict):
		default:
			log.Error("Failed to persist started session", zap.Error(err))
			m.cancel(ctx, sess.TimerID, log)
			return UpstreamUnavailable
		}

		if attempt >= m.config.MaxCASAttempts {
			m.cancel(ctx, sess.TimerID, log)
			return Conflict
		}
		m.observer.RecordCASRetry()

		existing, version, err = m.read(ctx, req.CallID, log)
		switch {
		case errors.Is(err, store.ErrUnavailable):
			m.cancel(ctx, sess.TimerID, log)
			return UpstreamUnavailable
		case err == nil && m.config.StartPolicy == RejectExisting:
			log.Info("Concurrent START won the race")
			m.cancel(ctx, sess.TimerID, log)
			return Conflict
		}
	}
}

// interim sends an INTERIM for the stored session. firing is nil for HTTP
// requests.
func (m *Manager) interim(ctx context.Context, req *Request, firing *TimerFiring, log *zap.Logger) Outcome {
	fromTimer := firing != nil
	sess, version, err := m.read(ctx, req.CallID, log)
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return UpstreamUnavailable
	case err != nil && fromTimer:
		log.Debug("Timer fired for a session that no longer exists")
		m.observer.RecordStaleFiring()
		return Ignored
	case err != nil:
		return NotFound
	}

	if fromTimer && firing.stale(sess) {
		log.Debug("Ignoring stale timer firing",
			zap.String("current_timer_id", sess.TimerID),
			zap.String("current_session_id", sess.SessionID))
		m.observer.RecordStaleFiring()
		return Ignored
	}

	interval := sess.InterimInterval
	if req.InterimInterval != 0 {
		interval = req.InterimInterval
	}
	event := req.Event
	if fromTimer {
		event = storedEvent(sess.BillingRequest)
	}

	outgoing := sess.Clone()
	outgoing.InterimInterval = interval
	outgoing.TrailID = req.TrailID
	if req.Realm != "" {
		outgoing.DestinationRealm = req.Realm
	}
	if len(req.Peers) > 0 {
		outgoing.Peers = req.Peers
	}

	out, ok := m.send(ctx, outgoing, session.RecordInterim, event, log)
	if !ok {
		if out == Rejected {
			m.remove(ctx, req.CallID, sess, version, log)
		}
		return out
	}

	refreshed := m.now()
	timerID := m.reschedule(ctx, sess, interval, log)
	abandon := func() {
		if timerID != sess.TimerID {
			m.cancel(ctx, timerID, log)
		}
	}

	apply := func(cur *session.Session) *session.Session {
		next := cur.Clone()
		next.RecordType = session.RecordInterim
		next.RecordNumber = cur.RecordNumber + 1
		next.InterimInterval = interval
		next.SessionRefreshTime = refreshed.Add(time.Duration(interval) * time.Second)
		next.TimerID = timerID
		if !fromTimer {
			next.BillingRequest = req.Body
			next.DestinationRealm = outgoing.DestinationRealm
			next.Peers = outgoing.Peers
		}
		return next
	}

	cur := sess
	for attempt := 1; ; attempt++ {
		next := apply(cur)
		_, err := m.store.Put(ctx, req.CallID, next, version)
		m.storeResult("put", err)
		switch {
		case err == nil:
			if cur.TimerID != "" && cur.TimerID != timerID && cur.TimerID != sess.TimerID {
				m.cancel(ctx, cur.TimerID, log)
			}
			log.Debug("Interim committed", zap.Uint32("record_number", next.RecordNumber))
			return OK
		case errors.Is(err, store.ErrVersionConflict):
		default:
			log.Error("Failed to persist interim", zap.Error(err))
			abandon()
			return UpstreamUnavailable
		}

		if attempt >= m.config.MaxCASAttempts {
			log.Warn("Interim lost the session to concurrent writers", zap.Int("attempts", attempt))
			abandon()
			return Conflict
		}
		m.observer.RecordCASRetry()

		cur, version, err = m.read(ctx, req.CallID, log)
		switch {
		case errors.Is(err, store.ErrUnavailable):
			abandon()
			return UpstreamUnavailable
		case err != nil:
			log.Info("Session stopped while interim was in flight")
			m.cancel(ctx, timerID, log)
			if fromTimer {
				return Ignored
			}
			return NotFound
		}

		// The record went out under the old Session-Id; a new session for
		// the same call must not count it or inherit its timer.
		if cur.SessionID != sess.SessionID {
			log.Info("Session replaced while interim was in flight",
				zap.String("session_id", sess.SessionID),
				zap.String("current_session_id", cur.SessionID))
			if timerID != cur.TimerID {
				m.cancel(ctx, timerID, log)
			}
			if fromTimer {
				return Ignored
			}
			return NotFound
		}
	}
}

func (m *Manager) stop(ctx context.Context, req *Request, log *zap.Logger) Outcome {
	sess, version, err := m.read(ctx, req.CallID, log)
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return UpstreamUnavailable
	case err != nil:
		return NotFound
	}

	outgoing := sess.Clone()
	outgoing.TrailID = req.TrailID
	if req.Realm != "" {
		outgoing.DestinationRealm = req.Realm
	}
	if len(req.Peers) > 0 {
		outgoing.Peers = req.Peers
	}

	out, ok := m.send(ctx, outgoing, session.RecordStop, req.Event, log)
	if !ok && out != Rejected {
		return out
	}

	if res := m.remove(ctx, req.CallID, sess, version, log); res != OK {
		return res
	}
	if !ok {
		return Rejected
	}
	log.Info("Session stopped", zap.Uint32("records", sess.RecordNumber+1))
	return OK
}

func (m *Manager) event(ctx context.Context, req *Request, log *zap.Logger) Outcome {
	sess := &session.Session{
		CallID:           req.CallID,
		SessionID:        m.newSessionID(),
		Role:             req.Role,
		Function:         req.Function,
		DestinationRealm: req.Realm,
		Peers:            req.Peers,
		TrailID:          req.TrailID,
	}
	out, _ := m.send(ctx, sess, session.RecordEvent, req.Event, log)
	return out
}

// remove deletes the session and then cancels its timers, re-reading on
// version conflicts. A session that is already gone, or was replaced by a
// new session for the same call, counts as removed.
func (m *Manager) remove(ctx context.Context, callID string, sess *session.Session, version store.Version, log *zap.Logger) Outcome {
	timers := []string{sess.TimerID}

	for attempt := 1; ; attempt++ {
		err := m.store.Delete(ctx, callID, version)
		m.storeResult("delete", err)
		switch {
		case err == nil, errors.Is(err, store.ErrNotFound):
			for _, id := range timers {
				m.cancel(ctx, id, log)
			}
			return OK
		case errors.Is(err, store.ErrVersionConflict):
		default:
			log.Error("Failed to delete session", zap.Error(err))
			return UpstreamUnavailable
		}

		if attempt >= m.config.MaxCASAttempts {
			return Conflict
		}
		m.observer.RecordCASRetry()

		cur, v, err := m.read(ctx, callID, log)
		switch {
		case errors.Is(err, store.ErrUnavailable):
			return UpstreamUnavailable
		case err != nil:
			for _, id := range timers {
				m.cancel(ctx, id, log)
			}
			return OK
		}

		if cur.SessionID != sess.SessionID {
			log.Info("Session replaced while stopping, leaving the new session alone",
				zap.String("session_id", sess.SessionID),
				zap.String("current_session_id", cur.SessionID))
			for _, id := range timers {
				if id != cur.TimerID {
					m.cancel(ctx, id, log)
				}
			}
			return OK
		}
		if cur.TimerID != "" && cur.TimerID != timers[len(timers)-1] {
			timers = append(timers, cur.TimerID)
		}
		version = v
	}
}

// read loads the session. Absent and corrupt records are both reported as
// store.ErrNotFound; for a corrupt record the returned version is non-zero
// so a START can replace it.
func (m *Manager) read(ctx context.Context, callID string, log *zap.Logger) (*session.Session, store.Version, error) {
	sess, version, err := m.store.Get(ctx, callID)
	m.storeResult("get", err)
	switch {
	case err == nil:
		return sess, version, nil
	case errors.Is(err, store.ErrCorruptRecord):
		log.Warn("Treating corrupt session record as absent")
		m.observer.RecordCorruptRecord()
		return nil, version, store.ErrNotFound
	case errors.Is(err, store.ErrNotFound):
		return nil, 0, store.ErrNotFound
	default:
		log.Error("Session store unavailable", zap.Error(err))
		return nil, 0, store.ErrUnavailable
	}
}

// send dispatches one record for sess. ok is true when the CDF accepted it;
// otherwise out is the outcome to report.
func (m *Manager) send(ctx context.Context, sess *session.Session, rt session.RecordType, event []byte, log *zap.Logger) (out Outcome, ok bool) {
	res, err := m.dispatcher.Send(ctx, &dispatch.Event{
		RecordType:      rt,
		CallID:          sess.CallID,
		SessionID:       sess.SessionID,
		RecordNumber:    sess.RecordNumber,
		InterimInterval: sess.InterimInterval,
		Realm:           sess.DestinationRealm,
		Peers:           sess.Peers,
		AVPs:            event,
		TrailID:         sess.TrailID,
	})
	m.observer.RecordDispatch(rt.String(), res.String())

	switch res {
	case dispatch.Sent:
		m.monitors.CDF.Success()
		return OK, true
	case dispatch.Fatal:
		m.monitors.CDF.Success()
		log.Warn("CDF rejected record",
			zap.Uint32("record_number", sess.RecordNumber),
			zap.Error(err))
		return Rejected, false
	default:
		m.monitors.CDF.Failure(err)
		log.Warn("Record not delivered",
			zap.Uint32("record_number", sess.RecordNumber),
			zap.Error(err))
		return UpstreamUnavailable, false
	}
}

func (m *Manager) timing(interval uint32) timer.Timing {
	return timer.Timing{
		Interval:  time.Duration(interval) * time.Second,
		RepeatFor: m.config.SessionTTL,
	}
}

// schedule creates the interim timer. A failure leaves the session without a
// timer; the next HTTP interim schedules one.
func (m *Manager) schedule(ctx context.Context, sess *session.Session, log *zap.Logger) string {
	id, err := m.timers.Schedule(ctx, target(sess), m.timing(sess.InterimInterval))
	m.timerResult("schedule", err)
	if err != nil {
		log.Warn("Failed to schedule interim timer", zap.Error(err))
		return ""
	}
	return id
}

// reschedule restarts the interim timer of sess, or creates one when it has
// none. On failure the old id is kept.
func (m *Manager) reschedule(ctx context.Context, sess *session.Session, interval uint32, log *zap.Logger) string {
	if sess.TimerID == "" {
		newID, err := m.timers.Schedule(ctx, target(sess), m.timing(interval))
		m.timerResult("schedule", err)
		if err != nil {
			log.Warn("Failed to schedule interim timer", zap.Error(err))
			return ""
		}
		return newID
	}
	newID, err := m.timers.Reschedule(ctx, sess.TimerID, target(sess), m.timing(interval))
	m.timerResult("reschedule", err)
	if err != nil {
		log.Warn("Failed to reschedule interim timer", zap.Error(err))
		return sess.TimerID
	}
	return newID
}

func target(sess *session.Session) timer.Target {
	return timer.Target{CallID: sess.CallID, SessionID: sess.SessionID}
}

// cancel is best effort.
func (m *Manager) cancel(ctx context.Context, id string, log *zap.Logger) {
	if id == "" {
		return
	}
	err := m.timers.Cancel(ctx, id)
	m.timerResult("cancel", err)
	if err != nil {
		log.Warn("Failed to cancel interim timer", zap.String("timer_id", id), zap.Error(err))
	}
}

func (m *Manager) storeResult(op string, err error) {
	switch {
	case err == nil:
		m.observer.RecordStoreOp(op, "ok")
		m.monitors.Store.Success()
	case errors.Is(err, store.ErrNotFound):
		m.observer.RecordStoreOp(op, "not_found")
		m.monitors.Store.Success()
	case errors.Is(err, store.ErrVersionConflict):
		m.observer.RecordStoreOp(op, "conflict")
		m.monitors.Store.Success()
	case errors.Is(err, store.ErrCorruptRecord):
		m.observer.RecordStoreOp(op, "corrupt")
		m.monitors.Store.Success()
	default:
		m.observer.RecordStoreOp(op, "unavailable")
		m.monitors.Store.Failure(err)
	}
}

func (m *Manager) timerResult(op string, err error) {
	switch {
	case err == nil:
		m.observer.RecordTimerOp(op, "ok")
		m.monitors.Timer.Success()
	case errors.Is(err, timer.ErrUnavailable):
		m.observer.RecordTimerOp(op, "unavailable")
		m.monitors.Timer.Failure(err)
	default:
		m.observer.RecordTimerOp(op, "error")
	}
}

type nopObserver struct{}

func (nopObserver) RecordDispatch(string, string) {}
func (nopObserver) RecordCASRetry() {}
func (nopObserver) RecordStoreOp(string, string) {}
func (nopObserver) RecordTimerOp(string, string) {}
func (nopObserver) RecordCorruptRecord() {}
func (nopObserver) RecordStaleFiring() {}
