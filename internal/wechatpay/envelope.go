package wechatpay

import (
	"errors"
	"sort"
	"strings"
)

// ErrMalformedEnvelope is returned when a wire envelope cannot be decoded.
// Malformed envelopes fail closed: nothing is extracted from them.
var ErrMalformedEnvelope = errors.New("wechatpay: malformed envelope")

const (
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

// EncodeEnvelope renders params as the gateway's flat tag-delimited format.
// Keys are sorted so the output is deterministic.
func EncodeEnvelope(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("<xml>")
	for _, k := range keys {
		b.WriteByte('<')
		b.WriteString(k)
		b.WriteByte('>')
		b.WriteString(params[k])
		b.WriteString("</")
		b.WriteString(k)
		b.WriteByte('>')
	}
	b.WriteString("</xml>")
	return b.String()
}

// DecodeEnvelope extracts tag/value pairs from a flat envelope. The field
// set is known and non-nested, so no generic markup parser is involved;
// CDATA-wrapped values are unwrapped. Anything that does not scan as a
// sequence of well-formed pairs is rejected whole.
func DecodeEnvelope(raw string) (map[string]string, error) {
	s := strings.TrimSpace(raw)
	start := strings.Index(s, "<xml>")
	end := strings.LastIndex(s, "</xml>")
	if start < 0 || end < 0 || end < start {
		return nil, ErrMalformedEnvelope
	}
	s = s[start+len("<xml>") : end]

	out := make(map[string]string)
	for {
		s = strings.TrimSpace(s)
		if s == "" {
			break
		}
		if s[0] != '<' {
			return nil, ErrMalformedEnvelope
		}
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return nil, ErrMalformedEnvelope
		}
		tag := s[1:end]
		if tag == "" || !validTag(tag) {
			return nil, ErrMalformedEnvelope
		}
		rest := s[end+1:]
		closing := "</" + tag + ">"
		stop := strings.Index(rest, closing)
		if stop < 0 {
			return nil, ErrMalformedEnvelope
		}
		value := rest[:stop]
		if strings.HasPrefix(value, cdataOpen) && strings.HasSuffix(value, cdataClose) {
			value = value[len(cdataOpen) : len(value)-len(cdataClose)]
		}
		out[tag] = value
		s = rest[stop+len(closing):]
	}
	if len(out) == 0 {
		return nil, ErrMalformedEnvelope
	}
	return out, nil
}

func validTag(tag string) bool {
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// AckEnvelope builds the fixed-format callback acknowledgment. "SUCCESS"
// permanently suppresses redelivery of the event; "FAIL" asks the gateway
// to retry.
func AckEnvelope(code, msg string) string {
	return "<xml><return_code><![CDATA[" + code + "]]></return_code>" +
		"<return_msg><![CDATA[" + msg + "]]></return_msg></xml>"
}
