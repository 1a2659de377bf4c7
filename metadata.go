package quotaledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// SanitizeMetadata returns a copy of md holding only values that survive
// JSON encoding, as strings, bools, int64, float64, nil, map[string]any and
// []any. time.Time becomes an RFC 3339 string; errors and fmt.Stringers
// become their text; []byte becomes a string and json.RawMessage its decoded
// value. Structs and maps with non-string keys take the shape encoding/json
// gives them. Functions, channels, complex numbers, NaN/Inf and reference
// cycles are dropped.
func SanitizeMetadata(md Metadata) Metadata {
	out := make(Metadata, len(md))
	seen := make(map[uintptr]bool)
	for k, v := range md {
		if clean, ok := sanitizeValue(reflect.ValueOf(v), seen); ok {
			out[k] = clean
		}
	}
	return out
}

func sanitizeValue(v reflect.Value, seen map[uintptr]bool) (any, bool) {
	if !v.IsValid() {
		return nil, true
	}

	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case json.RawMessage:
			if x == nil {
				return nil, true
			}
			if decoded, ok := decodeJSON(x); ok {
				return decoded, true
			}
			return string(x), true
		case []byte:
			if x == nil {
				return nil, true
			}
			return string(x), true
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano), true
		case error:
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return nil, true
			}
			return x.Error(), true
		case fmt.Stringer:
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return nil, true
			}
			return x.String(), true
		}
	}

	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Bool:
		return v.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return float64(u), true
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case reflect.Interface:
		if v.IsNil() {
			return nil, true
		}
		return sanitizeValue(v.Elem(), seen)
	case reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return sanitizeValue(v.Elem(), seen)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return jsonRoundTrip(v)
		}
		if v.IsNil() {
			return nil, true
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			if clean, ok := sanitizeValue(iter.Value(), seen); ok {
				out[iter.Key().String()] = clean
			}
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 && v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil, true
			}
			return string(v.Bytes()), true
		}
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil, true
			}
			ptr := v.Pointer()
			if v.Len() > 0 && seen[ptr] {
				return nil, false
			}
			if v.Len() > 0 {
				seen[ptr] = true
				defer delete(seen, ptr)
			}
		}
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			if clean, ok := sanitizeValue(v.Index(i), seen); ok {
				out = append(out, clean)
			}
		}
		return out, true
	case reflect.Struct:
		return jsonRoundTrip(v)
	default:
		// func, chan, complex, unsafe.Pointer
		return nil, false
	}
}

// jsonRoundTrip encodes v with encoding/json and decodes it back into plain
// values. Anything encoding/json rejects is dropped.
func jsonRoundTrip(v reflect.Value) (any, bool) {
	if !v.CanInterface() {
		return nil, false
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, false
	}
	return decodeJSON(data)
}

// decodeJSON decodes data keeping integers as int64.
func decodeJSON(data []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return normalizeNumbers(out), true
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

// UnmarshalJSON decodes metadata with integers as int64, so entries read
// back from a store match the values the engine wrote.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	for k, v := range raw {
		raw[k] = normalizeNumbers(v)
	}
	*m = raw
	return nil
}

func mergeMetadata(caller Metadata, engine Metadata) Metadata {
	md := SanitizeMetadata(caller)
	for k, v := range engine {
		md[k] = v
	}
	return md
}
