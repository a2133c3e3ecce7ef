package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/deltaforge/deltaforge/pkg/failure"
)

// Timestamp layouts accepted for TIMESTAMP_MILLIS, tried in order. Layouts
// without a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// CoerceRecord types raw into the canonical schema. Unknown fields are kept
// as-is so that schema evolution can later widen the table; the writer decides
// their fate. Missing required fields are a schema violation.
func CoerceRecord(s *Schema, raw map[string]any, correlationID string) (map[string]any, error) {
	out := make(map[string]any, len(raw))

	for i := range s.Fields {
		f := &s.Fields[i]
		v, ok := raw[f.Name]
		if !ok || v == nil {
			if f.Required {
				return nil, failure.New(failure.KindSchema, correlationID, "missing required field %q", f.Name)
			}
			out[f.Name] = nil
			continue
		}
		cv, err := CoerceValue(f, v, correlationID)
		if err != nil {
			return nil, err
		}
		out[f.Name] = cv
	}

	declared := make(map[string]struct{}, len(s.Fields))
	for i := range s.Fields {
		declared[s.Fields[i].Name] = struct{}{}
	}
	for k, v := range raw {
		if _, ok := declared[k]; !ok {
			out[k] = v
		}
	}

	return out, nil
}

// CoerceValue converts v to the canonical representation of f's type:
// string, int32, int64, float64, bool, time.Time (UTC), []any,
// map[string]any.
func CoerceValue(f *Field, v any, correlationID string) (any, error) {
	switch f.Type {
	case TypeString:
		return coerceString(v), nil

	case TypeInt32:
		n, err := coerceInt64(f, v, correlationID)
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return nil, failure.New(failure.KindParse, correlationID, "field %q: value %d overflows INT32", f.Name, n)
		}
		return int32(n), nil

	case TypeInt64:
		return coerceInt64(f, v, correlationID)

	case TypeDouble:
		return coerceDouble(f, v, correlationID)

	case TypeBoolean:
		return coerceBool(f, v, correlationID)

	case TypeTimestampMillis:
		return coerceTimestamp(f, v, correlationID)

	case TypeEnum:
		s := coerceString(v)
		if !f.HasSymbol(s) {
			return nil, failure.New(failure.KindSchema, correlationID, "field %q: enum symbol %q not allowed", f.Name, s)
		}
		return s, nil

	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return nil, failure.New(failure.KindParse, correlationID, "field %q: expected array, got %T", f.Name, v)
		}
		out := make([]any, len(arr))
		for i, el := range arr {
			cv, err := CoerceValue(f.Element, el, correlationID)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil

	case TypeMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, failure.New(failure.KindParse, correlationID, "field %q: expected map, got %T", f.Name, v)
		}
		out := make(map[string]any, len(m))
		for k, el := range m {
			cv, err := CoerceValue(f.Value, el, correlationID)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil

	case TypeStruct:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, failure.New(failure.KindParse, correlationID, "field %q: expected struct, got %T", f.Name, v)
		}
		out := make(map[string]any, len(f.Fields))
		for i := range f.Fields {
			nf := &f.Fields[i]
			nv, present := m[nf.Name]
			if !present || nv == nil {
				if nf.Required {
					return nil, failure.New(failure.KindSchema, correlationID, "field %q: missing required field %q", f.Name, nf.Name)
				}
				out[nf.Name] = nil
				continue
			}
			cv, err := CoerceValue(nf, nv, correlationID)
			if err != nil {
				return nil, err
			}
			out[nf.Name] = cv
		}
		return out, nil
	}

	return nil, failure.New(failure.KindParse, correlationID, "field %q: unknown type %q", f.Name, f.Type)
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers round-trip as float64; keep integers undecorated.
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func coerceInt64(f *Field, v any, correlationID string) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case int:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, failure.New(failure.KindParse, correlationID, "field %q: %v is not an integer", f.Name, t)
		}
		// math.MaxInt64 rounds up to 2^63 as a float64, so the upper bound
		// must be inclusive. math.MinInt64 converts exactly.
		if t >= math.MaxInt64 || t < math.MinInt64 {
			return 0, failure.New(failure.KindParse, correlationID, "field %q: %v overflows INT64", f.Name, t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, failure.New(failure.KindParse, correlationID, "field %q: cannot parse %q as integer", f.Name, t)
		}
		return n, nil
	default:
		return 0, failure.New(failure.KindParse, correlationID, "field %q: cannot coerce %T to integer", f.Name, v)
	}
}

func coerceDouble(f *Field, v any, correlationID string) (float64, error) {
	var d float64
	switch t := v.(type) {
	case float64:
		d = t
	case int64:
		d = float64(t)
	case int:
		d = float64(t)
	case string:
		var err error
		d, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, failure.New(failure.KindParse, correlationID, "field %q: cannot parse %q as double", f.Name, t)
		}
	default:
		return 0, failure.New(failure.KindParse, correlationID, "field %q: cannot coerce %T to double", f.Name, v)
	}
	if (math.IsNaN(d) || math.IsInf(d, 0)) && !f.AllowNonFinite {
		return 0, failure.New(failure.KindParse, correlationID, "field %q: non-finite value %v not allowed", f.Name, d)
	}
	return d, nil
}

func coerceBool(f *Field, v any, correlationID string) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return false, failure.New(failure.KindParse, correlationID, "field %q: cannot parse %q as boolean", f.Name, t)
	case float64:
		switch t {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		return false, failure.New(failure.KindParse, correlationID, "field %q: cannot coerce %v to boolean", f.Name, t)
	default:
		return false, failure.New(failure.KindParse, correlationID, "field %q: cannot coerce %T to boolean", f.Name, v)
	}
}

func coerceTimestamp(f *Field, v any, correlationID string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case float64:
		if t != math.Trunc(t) {
			return time.Time{}, failure.New(failure.KindParse, correlationID, "field %q: fractional epoch millis %v", f.Name, t)
		}
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(millis).UTC(), nil
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, failure.New(failure.KindParse, correlationID, "field %q: cannot parse %q as timestamp", f.Name, t)
	default:
		return time.Time{}, failure.New(failure.KindParse, correlationID, "field %q: cannot coerce %T to timestamp", f.Name, v)
	}
}
