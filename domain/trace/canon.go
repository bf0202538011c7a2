package trace

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalJSON re-serializes an arbitrary JSON-compatible value in the
// deterministic form §4.1 requires: object keys sorted lexicographically by
// UTF-8 code point, no insignificant whitespace, numbers in shortest
// round-trippable decimal form, strings normalized to NFC, array order
// preserved. It round-trips through encoding/json first so callers may pass
// either a raw payload value or JSON bytes already unmarshaled into
// interface{}.
func CanonicalJSON(payload interface{}) (string, error) {
	normalized, err := normalize(payload)
	if err != nil {
		return "", fmt.Errorf("trace: canonicalize payload: %w", err)
	}
	var b strings.Builder
	if err := writeCanonical(&b, normalized); err != nil {
		return "", fmt.Errorf("trace: canonicalize payload: %w", err)
	}
	return b.String(), nil
}

// normalize round-trips payload through JSON so numeric types collapse to
// float64/json.Number and map ordering is discarded, giving writeCanonical a
// uniform interface{} shape to walk.
func normalize(payload interface{}) (interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(canonicalNumber(val))
	case string:
		writeCanonicalString(b, val)
	case []interface{}:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalString(b, k)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical value type %T", v)
	}
	return nil
}

// canonicalNumber re-serializes a JSON number in shortest round-trippable
// decimal form, preferring a plain decimal over scientific notation where
// the magnitude allows it.
func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		// Not representable as int64 or float64 (e.g. overflow); fall back
		// to the original decimal text, which is itself valid JSON.
		return n.String()
	}
	if abs := math.Abs(f); abs == 0 || (abs >= 1e-6 && abs < 1e21) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeCanonicalString(b *strings.Builder, s string) {
	s = norm.NFC.String(s)
	encoded, _ := json.Marshal(s)
	b.Write(encoded)
}
