package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
	numberType  = reflect.TypeOf(json.Number(""))
)

// Normalize converts v into a tree made only of map[string]any, []any, string,
// bool, int64, uint64, float64 and nil.
//
// Recognized shapes:
//   - time.Time            → RFC 3339 string (UTC offset preserved)
//   - decimal.Decimal      → float64
//   - json.Number          → int64 or float64
//   - signed / unsigned    → int64 / uint64
//   - float32 / float64    → float64 (NaN and ±Inf rejected)
//   - bool, string         → themselves (named types included)
//   - map with string keys → map[string]any
//   - slice / array        → []any ([]byte rejected)
//   - struct               → map[string]any keyed by json tag
//   - pointer / interface  → the pointed-to value, nil → nil
//
// Anything else is a *SerializationError.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return normalizeValue(reflect.ValueOf(v), "value")
}

func normalizeValue(rv reflect.Value, path string) (any, error) {
	switch rv.Type() {
	case timeType:
		return rv.Interface().(time.Time).Format(time.RFC3339Nano), nil
	case decimalType:
		f, _ := rv.Interface().(decimal.Decimal).Float64()
		return checkFloat(f, path)
	case numberType:
		return numberValue(rv.Interface().(json.Number))
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(rv.Elem(), path)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float(), path)
	case reflect.Map:
		return normalizeMap(rv, path)
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, &SerializationError{Path: path, Type: rv.Type().String()}
		}
		out := make([]any, rv.Len())
		for i := range out {
			el, err := normalizeValue(rv.Index(i), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = el
		}
		return out, nil
	case reflect.Struct:
		out := map[string]any{}
		if err := normalizeStruct(rv, path, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, &SerializationError{Path: path, Type: rv.Type().String()}
}

func checkFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &SerializationError{Path: path, Type: strconv.FormatFloat(f, 'g', -1, 64)}
	}
	return f, nil
}

func normalizeMap(rv reflect.Value, path string) (any, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, &SerializationError{Path: path, Type: rv.Type().String()}
	}
	if rv.IsNil() {
		return nil, nil
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		el, err := normalizeValue(iter.Value(), path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = el
	}
	return out, nil
}

// normalizeStruct copies exported fields into out following encoding/json
// naming: the json tag name wins, "-" skips, omitempty drops empty values.
// Untagged exported embedded structs are flattened.
func normalizeStruct(rv reflect.Value, path string, out map[string]any) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" || !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && inner.Type() != timeType && inner.Type() != decimalType {
				if err := normalizeStruct(inner, path, out); err != nil {
					return err
				}
				continue
			}
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		el, err := normalizeValue(fv, path+"."+name)
		if err != nil {
			return err
		}
		out[name] = el
	}
	return nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

// ─── Encoding ────────────────────────────────────────────────────────────────

// jsonFloat always encodes with a fractional part or exponent so that the
// decoder can tell floats from integers.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	s := strconv.FormatFloat(float64(f), 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

func tagFloats(v any) any {
	switch t := v.(type) {
	case float64:
		return jsonFloat(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = tagFloats(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = tagFloats(el)
		}
		return out
	}
	return v
}

// encode normalizes v and renders it as JSON.
func encode(v any) ([]byte, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagFloats(tree))
}

// decode parses stored JSON back into the generic tree: integral numbers
// become int64 (uint64 when too large), everything else float64.
func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return untagNumbers(raw)
}

func untagNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return numberValue(t)
	case map[string]any:
		for k, el := range t {
			n, err := untagNumbers(el)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
	case []any:
		for i, el := range t {
			n, err := untagNumbers(el)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
	}
	return v, nil
}

func numberValue(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid number %q: %w", s, err)
	}
	return f, nil
}
