package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/radius"
	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

// AccountingSender sends one RADIUS accounting request.
type AccountingSender interface {
	SendAccounting(ctx context.Context, req *radius.AcctRequest) error
}

// RADIUSObserver counts mirrored records. Optional.
type RADIUSObserver interface {
	RecordRADIUSRecord(statusType, result string)
}

// RADIUS mirrors accounting events to RADIUS accounting servers.
// An EVENT record has no session, so it is reported as a single Stop.
type RADIUS struct {
	client   AccountingSender
	observer RADIUSObserver
	logger   *zap.Logger
}

// NewRADIUS creates a RADIUS dispatcher. observer may be nil.
func NewRADIUS(client AccountingSender, observer RADIUSObserver, logger *zap.Logger) *RADIUS {
	return &RADIUS{client: client, observer: observer, logger: logger}
}

// Send maps ev onto an Accounting-Request. Any failure is Retryable.
func (d *RADIUS) Send(ctx context.Context, ev *Event) (Result, error) {
	req := &radius.AcctRequest{
		SessionID:   ev.SessionID,
		CallID:      ev.CallID,
		StatusType:  statusType(ev.RecordType),
		SessionTime: ev.RecordNumber * ev.InterimInterval,
	}
	if req.SessionID == "" {
		req.SessionID = ev.CallID
	}

	err := d.client.SendAccounting(ctx, req)
	result := "sent"
	if err != nil {
		result = "failed"
	}
	if d.observer != nil {
		d.observer.RecordRADIUSRecord(req.StatusType.String(), result)
	}
	if err != nil {
		return Retryable, err
	}
	return Sent, nil
}

func statusType(rt session.RecordType) radius.AcctStatusType {
	switch rt {
	case session.RecordStart:
		return radius.AcctStatusStart
	case session.RecordInterim:
		return radius.AcctStatusInterimUpdate
	default:
		return radius.AcctStatusStop
	}
}

// Mirror sends every event to a primary dispatcher whose result is
// authoritative, and then best-effort to secondary dispatchers.
type Mirror struct {
	primary     Dispatcher
	secondaries []Dispatcher
	logger      *zap.Logger
}

// NewMirror creates a mirroring dispatcher.
func NewMirror(primary Dispatcher, logger *zap.Logger, secondaries ...Dispatcher) *Mirror {
	return &Mirror{primary: primary, secondaries: secondaries, logger: logger}
}

// Send returns the primary result. Secondaries only see records the primary accepted.
func (m *Mirror) Send(ctx context.Context, ev *Event) (Result, error) {
	res, err := m.primary.Send(ctx, ev)
	if res != Sent {
		return res, err
	}
	for _, s := range m.secondaries {
		if r, serr := s.Send(ctx, ev); r != Sent {
			m.logger.Warn("Mirror dispatch failed",
				zap.String("call_id", ev.CallID),
				zap.Stringer("record_type", ev.RecordType),
				zap.Error(serr))
		}
	}
	return res, err
}
