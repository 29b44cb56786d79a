package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

const binaryVersion = 1

var binaryMagic = [2]byte{'R', 'F'}

// Binary is the compact record layout: magic, version, then varint encoded
// fields in a fixed order.
type Binary struct{}

func (Binary) Name() string { return "binary" }

func (Binary) Encode(s *session.Session) ([]byte, error) {
	b := make([]byte, 0, 128+len(s.BillingRequest))
	b = append(b, binaryMagic[0], binaryMagic[1], binaryVersion)
	b = appendString(b, s.CallID)
	b = appendString(b, s.SessionID)
	b = binary.AppendUvarint(b, uint64(s.Role))
	b = binary.AppendUvarint(b, uint64(s.Function))
	b = binary.AppendUvarint(b, uint64(s.RecordType))
	b = binary.AppendUvarint(b, uint64(s.RecordNumber))
	b = binary.AppendUvarint(b, uint64(s.InterimInterval))
	b = binary.AppendVarint(b, unixNano(s.SessionRefreshTime))
	b = appendString(b, s.TimerID)
	b = appendString(b, s.DestinationRealm)
	b = binary.AppendUvarint(b, uint64(len(s.Peers)))
	for _, p := range s.Peers {
		b = appendString(b, p)
	}
	b = appendString(b, string(s.BillingRequest))
	return b, nil
}

func (Binary) Decode(data []byte) (*session.Session, error) {
	if len(data) < 3 || data[0] != binaryMagic[0] || data[1] != binaryMagic[1] {
		return nil, errors.New("bad magic")
	}
	if data[2] != binaryVersion {
		return nil, fmt.Errorf("unsupported binary version %d", data[2])
	}
	r := &reader{buf: data[3:]}
	s := &session.Session{
		CallID:    r.string(),
		SessionID: r.string(),
	}
	s.Role = session.Role(r.uint32())
	s.Function = session.Function(r.uint32())
	s.RecordType = session.RecordType(r.uint32())
	s.RecordNumber = r.uint32()
	s.InterimInterval = r.uint32()
	s.SessionRefreshTime = fromUnixNano(r.varint())
	s.TimerID = r.string()
	s.DestinationRealm = r.string()
	if n := r.uvarint(); n > 0 && r.err == nil {
		if n > uint64(len(r.buf)) {
			return nil, errors.New("peer count exceeds payload")
		}
		s.Peers = make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s.Peers = append(s.Peers, r.string())
		}
	}
	if body := r.string(); body != "" {
		s.BillingRequest = json.RawMessage(body)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(r.buf))
	}
	if s.CallID == "" || s.SessionID == "" {
		return nil, errors.New("missing call id or session id")
	}
	return s, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

type reader struct {
	buf []byte
	err error
}

var errTruncated = errors.New("truncated record")

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errTruncated
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = errTruncated
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) uint32() uint32 {
	v := r.uvarint()
	if v > 1<<32-1 && r.err == nil {
		r.err = errors.New("field overflows uint32")
	}
	return uint32(v)
}

func (r *reader) string() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.buf)) {
		r.err = errTruncated
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}
