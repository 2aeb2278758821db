package value

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Type is a JSON-schema primitive type name.
type Type string

// Schema types understood by [Coerce].
const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
	TypeNull    Type = "null"
)

// Valid reports whether t is one of the known schema types.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject, TypeNull:
		return true
	}
	return false
}

// Coerce converts v toward target. Models frequently send numbers and
// booleans as strings ("10", "true") and structured arguments as JSON
// text; those are converted. A value that cannot be converted is
// returned unchanged, leaving validation to the tool server.
func Coerce(v Value, target Type) Value {
	if v.IsNull() {
		return v
	}

	switch target {
	case TypeInteger:
		switch v.kind {
		case KindNumber:
			if i, ok := v.AsInt(); ok {
				return Int(i)
			}
		case KindString:
			s := strings.TrimSpace(v.str)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return Int(i)
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && isWhole(f) {
				return Int(int64(f))
			}
		}

	case TypeNumber:
		if v.kind == KindString {
			s := strings.TrimSpace(v.str)
			if n := numberFromText(s, Null()); !n.IsNull() {
				return n
			}
		}

	case TypeBoolean:
		switch v.kind {
		case KindString:
			switch strings.ToLower(strings.TrimSpace(v.str)) {
			case "true", "yes", "1":
				return Bool(true)
			case "false", "no", "0":
				return Bool(false)
			}
		case KindNumber:
			if i, ok := v.AsInt(); ok && (i == 0 || i == 1) {
				return Bool(i == 1)
			}
		}

	case TypeString:
		if v.kind != KindString {
			return String(v.String())
		}

	case TypeArray:
		if v.kind == KindString {
			if parsed, ok := parseJSONText(v.str, '['); ok {
				return parsed
			}
		}

	case TypeObject:
		if v.kind == KindString {
			if parsed, ok := parseJSONText(v.str, '{'); ok {
				return parsed
			}
		}
	}

	return v
}

// CoerceArgs returns a copy of args with each argument coerced toward the
// type named in types. Arguments without a known type pass through.
func CoerceArgs(args Args, types map[string]Type) Args {
	out := make(Args, len(args))
	for name, v := range args {
		if t, ok := types[name]; ok && t != "" {
			v = Coerce(v, t)
		}
		out[name] = v
	}
	return out
}

func parseJSONText(s string, open byte) (Value, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != open {
		return Value{}, false
	}
	var v Value
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Value{}, false
	}
	return v, true
}
