package codec

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

// JSON is the textual record layout.
type JSON struct{}

type jsonRecord struct {
	CallID             string   `json:"call_id"`
	SessionID          string   `json:"session_id"`
	Role               uint32   `json:"role"`
	Function           uint32   `json:"function"`
	RecordType         uint32   `json:"record_type"`
	RecordNumber       uint32   `json:"record_number"`
	InterimInterval    uint32   `json:"interim_interval"`
	SessionRefreshTime int64    `json:"session_refresh_time"`
	TimerID            string   `json:"timer_id,omitempty"`
	Peers              []string `json:"ccfs,omitempty"`
	DestinationRealm   string   `json:"destination_realm,omitempty"`
	ReceivedJSON       string   `json:"received_json,omitempty"`
}

func (JSON) Name() string { return "json" }

func (JSON) Encode(s *session.Session) ([]byte, error) {
	return json.Marshal(jsonRecord{
		CallID:             s.CallID,
		SessionID:          s.SessionID,
		Role:               uint32(s.Role),
		Function:           uint32(s.Function),
		RecordType:         uint32(s.RecordType),
		RecordNumber:       s.RecordNumber,
		InterimInterval:    s.InterimInterval,
		SessionRefreshTime: unixNano(s.SessionRefreshTime),
		TimerID:            s.TimerID,
		Peers:              s.Peers,
		DestinationRealm:   s.DestinationRealm,
		ReceivedJSON:       string(s.BillingRequest),
	})
}

func (JSON) Decode(data []byte) (*session.Session, error) {
	var r jsonRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.CallID == "" || r.SessionID == "" {
		return nil, errors.New("missing call_id or session_id")
	}
	s := &session.Session{
		CallID:             r.CallID,
		SessionID:          r.SessionID,
		Role:               session.Role(r.Role),
		Function:           session.Function(r.Function),
		RecordType:         session.RecordType(r.RecordType),
		RecordNumber:       r.RecordNumber,
		InterimInterval:    r.InterimInterval,
		SessionRefreshTime: fromUnixNano(r.SessionRefreshTime),
		TimerID:            r.TimerID,
		Peers:              r.Peers,
		DestinationRealm:   r.DestinationRealm,
	}
	if r.ReceivedJSON != "" {
		s.BillingRequest = json.RawMessage(r.ReceivedJSON)
	}
	return s, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
