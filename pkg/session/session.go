// Package session defines the billing session persisted per call.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordType is the Accounting-Record-Type of an Rf record.
type RecordType uint32

const (
	RecordUnknown RecordType = 0
	RecordEvent   RecordType = 1
	RecordStart   RecordType = 2
	RecordInterim RecordType = 3
	RecordStop    RecordType = 4
)

func (r RecordType) String() string {
	switch r {
	case RecordEvent:
		return "EVENT"
	case RecordStart:
		return "START"
	case RecordInterim:
		return "INTERIM"
	case RecordStop:
		return "STOP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(r))
	}
}

// Valid reports whether r is one of the four Rf record types.
func (r RecordType) Valid() bool {
	return r >= RecordEvent && r <= RecordStop
}

// Role is the Role-Of-Node of the billed leg.
type Role uint32

const (
	RoleOriginating Role = 0
	RoleTerminating Role = 1
	RoleProxy       Role = 2
	RoleB2BUA       Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleOriginating:
		return "ORIGINATING"
	case RoleTerminating:
		return "TERMINATING"
	case RoleProxy:
		return "PROXY"
	case RoleB2BUA:
		return "B2BUA"
	default:
		return fmt.Sprintf("ROLE(%d)", uint32(r))
	}
}

// Function is the Node-Functionality of the reporting network element.
type Function uint32

const (
	FunctionSCSCF Function = 0
	FunctionPCSCF Function = 1
	FunctionICSCF Function = 2
	FunctionMRFC  Function = 3
	FunctionMGCF  Function = 4
	FunctionBGCF  Function = 5
	FunctionAS    Function = 6
	FunctionIBCF  Function = 7
)

func (f Function) String() string {
	switch f {
	case FunctionSCSCF:
		return "S-CSCF"
	case FunctionPCSCF:
		return "P-CSCF"
	case FunctionICSCF:
		return "I-CSCF"
	case FunctionMRFC:
		return "MRFC"
	case FunctionMGCF:
		return "MGCF"
	case FunctionBGCF:
		return "BGCF"
	case FunctionAS:
		return "AS"
	case FunctionIBCF:
		return "IBCF"
	default:
		return fmt.Sprintf("FUNCTION(%d)", uint32(f))
	}
}

// Session is the billing state for one call leg.
//
// TimerID is empty when no interim timer is outstanding. TrailID is carried
// in memory only and is never encoded.
type Session struct {
	CallID             string
	SessionID          string
	Role               Role
	Function           Function
	RecordType         RecordType
	RecordNumber       uint32
	InterimInterval    uint32 // seconds
	SessionRefreshTime time.Time
	TimerID            string
	Peers              []string
	DestinationRealm   string
	BillingRequest     json.RawMessage

	TrailID string
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Peers != nil {
		c.Peers = append([]string(nil), s.Peers...)
	}
	if s.BillingRequest != nil {
		c.BillingRequest = append(json.RawMessage(nil), s.BillingRequest...)
	}
	return &c
}

// Equal reports whether two sessions carry the same persisted fields.
func (s *Session) Equal(o *Session) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.CallID != o.CallID || s.SessionID != o.SessionID ||
		s.Role != o.Role || s.Function != o.Function ||
		s.RecordType != o.RecordType || s.RecordNumber != o.RecordNumber ||
		s.InterimInterval != o.InterimInterval || s.TimerID != o.TimerID ||
		s.DestinationRealm != o.DestinationRealm ||
		!s.SessionRefreshTime.Equal(o.SessionRefreshTime) ||
		string(s.BillingRequest) != string(o.BillingRequest) ||
		len(s.Peers) != len(o.Peers) {
		return false
	}
	for i := range s.Peers {
		if s.Peers[i] != o.Peers[i] {
			return false
		}
	}
	return true
}

// NextRefresh returns the refresh time one interim interval after now.
func (s *Session) NextRefresh(now time.Time) time.Time {
	return now.Add(time.Duration(s.InterimInterval) * time.Second)
}
