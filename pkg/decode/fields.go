package decode

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Fields is a decoded JSON object as delivered by a radio transport
type Fields = map[string]any

// Lookup walks a path of nested objects
func Lookup(m Fields, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// First returns the first present key among alternative spellings of the
// same logical field
func First(m Fields, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := m[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Object returns the nested object under the first present key
func Object(m Fields, names ...string) Fields {
	v, ok := First(m, names...)
	if !ok {
		return nil
	}
	obj, _ := v.(map[string]any)
	return obj
}

// Float converts a decoded number. ok is false for values that are present
// but not numeric (or not finite).
func Float(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint32:
		f = float64(val)
	case uint64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Int converts a decoded whole number
func Int(v any) (int, bool) {
	f, ok := Float(v)
	if !ok || f != math.Trunc(f) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, false
	}
	return int(f), true
}

// String returns a non-empty trimmed string
func String(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Bytes reads opaque key material: raw bytes, a list of byte values, or a
// string in base64 (standard or URL alphabet, padded or not) or hex.
func Bytes(v any) ([]byte, bool) {
	switch val := v.(type) {
	case []byte:
		return val, len(val) > 0
	case []any:
		out := make([]byte, 0, len(val))
		for _, e := range val {
			n, ok := Int(e)
			if !ok || n < 0 || n > 255 {
				return nil, false
			}
			out = append(out, byte(n))
		}
		return out, len(out) > 0
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, false
		}
		// 32-byte keys are 64 hex digits; base64 never produces that length
		if len(s)%2 == 0 && len(s) >= 64 && isHex(s) {
			if b, err := hex.DecodeString(s); err == nil {
				return b, true
			}
		}
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
				return b, true
			}
		}
	}
	return nil, false
}

// FloatField reads an optional numeric field. Absent yields (nil, false);
// present but malformed yields (nil, true) so the caller can count it.
func FloatField(m Fields, names ...string) (val *float64, malformed bool) {
	v, ok := First(m, names...)
	if !ok {
		return nil, false
	}
	f, ok := Float(v)
	if !ok {
		return nil, true
	}
	return &f, false
}

// IntField is FloatField for whole numbers
func IntField(m Fields, names ...string) (val *int, malformed bool) {
	v, ok := First(m, names...)
	if !ok {
		return nil, false
	}
	n, ok := Int(v)
	if !ok {
		return nil, true
	}
	return &n, false
}

// StringField reads an optional non-empty string field
func StringField(m Fields, names ...string) *string {
	v, ok := First(m, names...)
	if !ok {
		return nil
	}
	s, ok := String(v)
	if !ok {
		return nil
	}
	return &s
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') && !(r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}
