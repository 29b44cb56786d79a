package diameter

import (
	"fmt"
	"time"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/fiorix/go-diameter/v4/diam/dict"
)

// buildACR assembles the Accounting-Request for acr.
func (s *Stack) buildACR(acr *ACR) (*diam.Message, error) {
	if acr.SessionID == "" {
		return nil, fmt.Errorf("ACR requires a Session-Id")
	}
	m := diam.NewRequest(diam.Accounting, AccountingApplicationID, dict.Default)
	m.NewAVP(avp.SessionID, avp.Mbit, 0, datatype.UTF8String(acr.SessionID))
	m.NewAVP(avp.OriginHost, avp.Mbit, 0, datatype.DiameterIdentity(s.config.OriginHost))
	m.NewAVP(avp.OriginRealm, avp.Mbit, 0, datatype.DiameterIdentity(s.config.OriginRealm))
	m.NewAVP(avp.DestinationRealm, avp.Mbit, 0, datatype.DiameterIdentity(acr.DestinationRealm))
	if acr.DestinationHost != "" {
		m.NewAVP(avp.DestinationHost, avp.Mbit, 0, datatype.DiameterIdentity(acr.DestinationHost))
	}
	m.NewAVP(avp.AccountingRecordType, avp.Mbit, 0, datatype.Enumerated(acr.RecordType))
	m.NewAVP(avp.AccountingRecordNumber, avp.Mbit, 0, datatype.Unsigned32(acr.RecordNumber))
	m.NewAVP(avp.AcctApplicationID, avp.Mbit, 0, datatype.Unsigned32(AccountingApplicationID))
	m.NewAVP(avp.EventTimestamp, avp.Mbit, 0, datatype.Time(time.Now()))
	if acr.InterimInterval > 0 {
		m.NewAVP(avp.AcctInterimInterval, avp.Mbit, 0, datatype.Unsigned32(acr.InterimInterval))
	}

	extra, err := s.translator.Translate(acr.Event)
	if err != nil {
		return nil, err
	}
	for _, a := range extra {
		m.AddAVP(a)
	}
	return m, nil
}
