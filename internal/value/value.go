// Package value defines the tagged-union argument values exchanged with
// tool servers and chat backends.
//
// Tool arguments arrive from language models as loosely typed JSON and
// leave for tool servers as JSON, but in between they are inspected and
// coerced against parameter schemas. A closed [Value] type keeps that
// inspection exhaustive instead of scattering type switches over any.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a [Value] holds.
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

// String returns the JSON-schema style name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a JSON value. The zero Value is null.
type Value struct {
	kind     Kind
	str      string
	num      float64
	i        int64
	integral bool
	b        bool
	arr      []Value
	obj      map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns an integral number value.
func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i), i: i, integral: true} }

// Number returns a number value. Whole numbers are not marked integral;
// use [Int] for that.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Array returns an array value holding items.
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// Object returns an object value holding fields.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, obj: fields}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsIntegral reports whether v is a number known to be whole.
func (v Value) IsIntegral() bool { return v.kind == KindNumber && v.integral }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsFloat returns the number held by v.
func (v Value) AsFloat() (float64, bool) { return v.num, v.kind == KindNumber }

// AsInt returns the number held by v when it is integral, or when its
// float value has no fractional part.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.integral {
		return v.i, true
	}
	if isWhole(v.num) {
		return int64(v.num), true
	}
	return 0, false
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsArray returns the items held by v.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsObject returns the fields held by v.
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Equal reports whether v and o hold the same JSON value. Integral and
// non-integral numbers with the same magnitude compare equal; two
// integral numbers compare exactly.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		if v.integral && o.integral {
			return v.i == o.i
		}
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, a := range v.obj {
			b, ok := o.obj[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// FromAny converts a decoded JSON value (as produced by encoding/json
// into an any) or a common Go scalar into a Value. Unknown types are
// round-tripped through JSON.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		if isWhole(t) {
			return Int(int64(t))
		}
		return Number(t)
	case float32:
		return FromAny(float64(t))
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return FromAny(uint64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return Number(float64(t))
		}
		return Int(int64(t))
	case json.Number:
		return numberFromText(t.String(), String(t.String()))
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return Array(items...)
	case []Value:
		return Array(t...)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = FromAny(item)
		}
		return Object(fields)
	case map[string]Value:
		return Object(t)
	case Args:
		return Object(map[string]Value(t))
	}

	data, err := json.Marshal(x)
	if err != nil {
		return String(fmt.Sprint(x))
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return String(fmt.Sprint(x))
	}
	return v
}

// Any converts v back into plain Go values: nil, string, bool, int64
// (integral numbers), float64, []any and map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.integral {
			return v.i
		}
		return v.num
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Any()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}
		return out
	}
	return nil
}

// String renders v for humans: strings are returned bare, everything
// else as compact JSON.
func (v Value) String() string {
	if v.kind == KindString {
		return v.str
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		data, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return fmt.Errorf("value: unsupported number %v", v.num)
		}
		if v.integral {
			buf.WriteString(strconv.FormatInt(v.i, 10))
		} else {
			buf.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
		}
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(name)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("value: unknown kind %d", int(v.kind))
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Numbers written without a
// fraction or exponent are marked integral.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromDecoded(raw)
	return nil
}

func fromDecoded(raw any) Value {
	switch t := raw.(type) {
	case json.Number:
		return numberFromText(t.String(), String(t.String()))
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = fromDecoded(item)
		}
		return Array(items...)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = fromDecoded(item)
		}
		return Object(fields)
	default:
		return FromAny(t)
	}
}

// numberFromText parses s as an integer or float, returning fallback
// when it is neither.
func numberFromText(s string, fallback Value) Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Number(f)
	}
	return fallback
}

func isWhole(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) && math.Abs(f) < 1<<53
}

// Args are named tool-call arguments.
type Args map[string]Value

// ArgsFromMap converts a decoded JSON object into Args.
func ArgsFromMap(m map[string]any) Args {
	args := make(Args, len(m))
	for k, x := range m {
		args[k] = FromAny(x)
	}
	return args
}

// Map converts a back into plain Go values.
func (a Args) Map() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v.Any()
	}
	return out
}

// Clone returns a shallow copy of a.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
