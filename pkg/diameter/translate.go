package diameter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/fiorix/go-diameter/v4/diam/dict"
	"go.uber.org/zap"
)

// reservedAVPs are set by the stack itself and ignored in event JSON.
var reservedAVPs = map[string]bool{
	"Session-Id":               true,
	"Origin-Host":              true,
	"Origin-Realm":             true,
	"Destination-Realm":        true,
	"Destination-Host":         true,
	"Accounting-Record-Type":   true,
	"Accounting-Record-Number": true,
	"Acct-Application-Id":      true,
	"Acct-Interim-Interval":    true,
	"Event-Timestamp":          true,
}

// Translator turns a JSON object keyed by AVP name into AVPs using a dictionary.
type Translator struct {
	dict   *dict.Parser
	appID  uint32
	logger *zap.Logger
}

// NewTranslator creates a translator for application appID.
func NewTranslator(d *dict.Parser, appID uint32, logger *zap.Logger) *Translator {
	return &Translator{dict: d, appID: appID, logger: logger}
}

// Translate converts event. Unknown AVP names and values that do not fit
// the AVP's data type are logged and skipped.
func (t *Translator) Translate(event json.RawMessage) ([]*diam.AVP, error) {
	if len(bytes.TrimSpace(event)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(event))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var out []*diam.AVP
	for _, name := range sortedKeys(obj) {
		if reservedAVPs[name] {
			continue
		}
		avps, err := t.build(name, obj[name])
		if err != nil {
			t.logger.Warn("Skipping event AVP", zap.String("avp", name), zap.Error(err))
			continue
		}
		out = append(out, avps...)
	}
	return out, nil
}

func (t *Translator) build(name string, value any) ([]*diam.AVP, error) {
	d, err := t.dict.FindAVP(t.appID, name)
	if err != nil {
		return nil, fmt.Errorf("unknown AVP: %w", err)
	}

	if list, ok := value.([]any); ok {
		var out []*diam.AVP
		for _, v := range list {
			a, err := t.one(d, v)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}

	a, err := t.one(d, value)
	if err != nil {
		return nil, err
	}
	return []*diam.AVP{a}, nil
}

func (t *Translator) one(d *dict.AVP, value any) (*diam.AVP, error) {
	flags := uint8(avp.Mbit)
	if d.VendorID != 0 {
		flags |= avp.Vbit
	}

	if d.Data.Type == datatype.GroupedType {
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s is grouped, got %T", d.Name, value)
		}
		g := &diam.GroupedAVP{}
		for _, name := range sortedKeys(obj) {
			children, err := t.build(name, obj[name])
			if err != nil {
				t.logger.Warn("Skipping grouped child AVP",
					zap.String("avp", d.Name), zap.String("child", name), zap.Error(err))
				continue
			}
			g.AVP = append(g.AVP, children...)
		}
		return diam.NewAVP(d.Code, flags, d.VendorID, g), nil
	}

	data, err := convert(d.Data.Type, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	return diam.NewAVP(d.Code, flags, d.VendorID, data), nil
}

// convert maps a decoded JSON scalar onto a Diameter data type.
func convert(typ datatype.TypeID, value any) (datatype.Type, error) {
	switch typ {
	case datatype.UTF8StringType:
		s, err := asString(value)
		return datatype.UTF8String(s), err
	case datatype.DiameterIdentityType:
		s, err := asString(value)
		return datatype.DiameterIdentity(s), err
	case datatype.DiameterURIType:
		s, err := asString(value)
		return datatype.DiameterURI(s), err
	case datatype.OctetStringType:
		s, err := asString(value)
		return datatype.OctetString(s), err
	case datatype.IPFilterRuleType:
		s, err := asString(value)
		return datatype.IPFilterRule(s), err
	case datatype.QoSFilterRuleType:
		s, err := asString(value)
		return datatype.QoSFilterRule(s), err
	case datatype.AddressType:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		return datatype.Address(ip), nil
	case datatype.Unsigned32Type:
		n, err := asInt(value, 0, 1<<32-1)
		return datatype.Unsigned32(n), err
	case datatype.Unsigned64Type:
		n, err := asUint64(value)
		return datatype.Unsigned64(n), err
	case datatype.Integer32Type:
		n, err := asInt(value, -1<<31, 1<<31-1)
		return datatype.Integer32(n), err
	case datatype.EnumeratedType:
		n, err := asInt(value, -1<<31, 1<<31-1)
		return datatype.Enumerated(n), err
	case datatype.Integer64Type:
		num, ok := value.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", value)
		}
		n, err := num.Int64()
		return datatype.Integer64(n), err
	case datatype.Float32Type:
		f, err := asFloat(value)
		return datatype.Float32(f), err
	case datatype.Float64Type:
		f, err := asFloat(value)
		return datatype.Float64(f), err
	case datatype.TimeType:
		switch v := value.(type) {
		case json.Number:
			n, err := v.Int64()
			return datatype.Time(time.Unix(n, 0)), err
		case string:
			ts, err := time.Parse(time.RFC3339, v)
			return datatype.Time(ts), err
		}
		return nil, fmt.Errorf("expected time, got %T", value)
	default:
		return nil, fmt.Errorf("unsupported data type %d", typ)
	}
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func asInt(v any, min, max int64) (int64, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	n, err := num.Int64()
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return n, nil
}

func asUint64(v any) (uint64, error) {
	n, err := asInt(v, 0, 1<<63-1)
	return uint64(n), err
}

func asFloat(v any) (float64, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return num.Float64()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
