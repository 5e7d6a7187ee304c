package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MarshalJSON writes v so that UnmarshalJSON restores the ledger value types
// produced by Snapshot: whole floats keep a decimal point and integers are
// written exactly.
func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	out := make(map[string]any, len(v))
	for k, x := range v {
		if f, ok := x.(float64); ok {
			out[k] = floatNumber(f)
			continue
		}
		out[k] = x
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads integers as int64, decimals as float64 and arrays as
// []string. Nested objects are not ledger values.
func (v *Values) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*v = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for k, x := range raw {
		nv, err := fromJSON(x)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		out[k] = nv
	}
	*v = out
	return nil
}

func fromJSON(x any) (any, error) {
	switch t := x.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := t.Int64(); err == nil {
				return n, nil
			}
		}
		return t.Float64()
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: array element %T", ErrUnsupportedValue, e)
			}
			out[i] = s
		}
		return out, nil
	case map[string]any:
		return nil, fmt.Errorf("%w: nested object", ErrUnsupportedValue)
	default:
		return t, nil
	}
}

func floatNumber(f float64) json.Number {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}
