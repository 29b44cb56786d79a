package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

// ErrMalformed is returned for request bodies that cannot be billed.
var ErrMalformed = errors.New("malformed billing request")

// Request is one billing trigger for a call.
type Request struct {
	CallID          string
	Kind            session.RecordType
	InterimInterval uint32 // seconds, zero when not supplied
	Role            session.Role
	Function        session.Function
	Realm           string
	Peers           []string
	Event           json.RawMessage // AVPs to send
	Body            json.RawMessage // persisted for timer-driven records
	TrailID         string
}

type body struct {
	Peers struct {
		CCF []string `json:"ccf"`
	} `json:"peers"`
	Event json.RawMessage `json:"event"`
}

type eventFields struct {
	RecordType         *uint32 `json:"Accounting-Record-Type"`
	InterimInterval    *uint32 `json:"Acct-Interim-Interval"`
	DestinationRealm   string  `json:"Destination-Realm"`
	ServiceInformation struct {
		IMSInformation struct {
			RoleOfNode        *uint32 `json:"Role-Of-Node"`
			NodeFunctionality *uint32 `json:"Node-Functionality"`
		} `json:"IMS-Information"`
	} `json:"Service-Information"`
}

// ParseRequest decodes an HTTP billing body of the form
// {"peers":{"ccf":[...]},"event":{...AVPs...}}.
func ParseRequest(callID string, data []byte) (*Request, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: empty call id", ErrMalformed)
	}
	var b body
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(bytes.TrimSpace(b.Event)) == 0 {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	var ev eventFields
	if err := json.Unmarshal(b.Event, &ev); err != nil {
		return nil, fmt.Errorf("%w: event: %w", ErrMalformed, err)
	}
	if ev.RecordType == nil {
		return nil, fmt.Errorf("%w: missing Accounting-Record-Type", ErrMalformed)
	}
	kind := session.RecordType(*ev.RecordType)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: invalid Accounting-Record-Type %d", ErrMalformed, *ev.RecordType)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	req := &Request{
		CallID: callID,
		Kind:   kind,
		Realm:  ev.DestinationRealm,
		Peers:  b.Peers.CCF,
		Event:  b.Event,
		Body:   compact.Bytes(),
	}
	if ev.InterimInterval != nil {
		req.InterimInterval = *ev.InterimInterval
	}
	ims := ev.ServiceInformation.IMSInformation
	if ims.RoleOfNode != nil {
		req.Role = session.Role(*ims.RoleOfNode)
	}
	if ims.NodeFunctionality != nil {
		req.Function = session.Function(*ims.NodeFunctionality)
	}
	return req, nil
}

// storedEvent returns the event object of a persisted body.
func storedEvent(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	var b body
	if err := json.Unmarshal(data, &b); err != nil {
		return nil
	}
	return b.Event
}
