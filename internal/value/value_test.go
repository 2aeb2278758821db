package value

import (
	"encoding/json"
	"math"
	"testing"
)

func TestUnmarshal_IntegralNumbers(t *testing.T) {
	tests := []struct {
		in       string
		kind     Kind
		integral bool
	}{
		{`10`, KindNumber, true},
		{`-3`, KindNumber, true},
		{`2.5`, KindNumber, false},
		{`10.0`, KindNumber, false},
		{`"10"`, KindString, false},
		{`true`, KindBool, false},
		{`null`, KindNull, false},
		{`[1,2]`, KindArray, false},
		{`{"a":1}`, KindObject, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if v.Kind() != tt.kind {
				t.Errorf("Kind = %v, want %v", v.Kind(), tt.kind)
			}
			if v.IsIntegral() != tt.integral {
				t.Errorf("IsIntegral = %v, want %v", v.IsIntegral(), tt.integral)
			}
		})
	}
}

func TestMarshal_StableOutput(t *testing.T) {
	v := Object(map[string]Value{
		"query":     String("sunset"),
		"n_results": Int(10),
		"score":     Number(0.5),
		"tags":      Array(String("a"), Bool(true), Null()),
	})
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"n_results":10,"query":"sunset","score":0.5,"tags":["a",true,null]}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestFromAny(t *testing.T) {
	decoded := map[string]any{
		"count":  float64(3),
		"ratio":  0.25,
		"name":   "x",
		"nested": []any{map[string]any{"ok": true}},
		"none":   nil,
	}
	v := FromAny(decoded)
	obj, ok := v.AsObject()
	if !ok {
		t.Fatalf("kind = %v, want object", v.Kind())
	}
	if n, ok := obj["count"].AsInt(); !ok || n != 3 {
		t.Errorf("count = %v", obj["count"])
	}
	if f, ok := obj["ratio"].AsFloat(); !ok || f != 0.25 {
		t.Errorf("ratio = %v", obj["ratio"])
	}
	if !obj["none"].IsNull() {
		t.Errorf("none = %v, want null", obj["none"])
	}
	items, _ := obj["nested"].AsArray()
	if len(items) != 1 || items[0].Kind() != KindObject {
		t.Errorf("nested = %v", obj["nested"])
	}
}

func TestAny_RoundTrip(t *testing.T) {
	in := Object(map[string]Value{"n": Int(7), "f": Number(1.5), "s": String("v")})
	out, ok := in.Any().(map[string]any)
	if !ok {
		t.Fatalf("Any() = %T", in.Any())
	}
	if out["n"] != int64(7) {
		t.Errorf("n = %#v, want int64(7)", out["n"])
	}
	if out["f"] != 1.5 {
		t.Errorf("f = %#v", out["f"])
	}
	if !FromAny(out).Equal(in) {
		t.Errorf("FromAny(Any()) not equal to original")
	}
}

func TestIntegers_BeyondFloatPrecision(t *testing.T) {
	const big = int64(9007199254740993) // 2^53 + 1

	v := Coerce(String("9007199254740993"), TypeInteger)
	if i, ok := v.AsInt(); !ok || i != big {
		t.Errorf("Coerce = %v, want %d", v, big)
	}
	if v.Equal(Int(big - 1)) {
		t.Error("neighbouring integers should not compare equal")
	}

	data, err := json.Marshal(Object(map[string]Value{"id": Int(big)}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"id":9007199254740993}` {
		t.Errorf("Marshal = %s", data)
	}
	var back Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	obj, _ := back.AsObject()
	if i, ok := obj["id"].AsInt(); !ok || i != big {
		t.Errorf("round trip = %v", obj["id"])
	}
	if got := back.Any().(map[string]any)["id"]; got != big {
		t.Errorf("Any() = %#v, want %d", got, big)
	}
	if got := FromAny(int64(math.MaxInt64)); !got.Equal(Int(math.MaxInt64)) {
		t.Errorf("FromAny(MaxInt64) = %v", got)
	}
}

func TestFromAny_Unsigned(t *testing.T) {
	tests := []struct {
		in       any
		integral bool
		want     float64
	}{
		{uint64(42), true, 42},
		{uint(7), true, 7},
		{uint64(math.MaxInt64) + 1, false, float64(uint64(math.MaxInt64) + 1)},
		{uint64(math.MaxUint64), false, float64(uint64(math.MaxUint64))},
	}
	for _, tt := range tests {
		v := FromAny(tt.in)
		f, ok := v.AsFloat()
		if !ok || f < 0 || f != tt.want {
			t.Errorf("FromAny(%v) = %v, want %v", tt.in, v, tt.want)
		}
		if v.IsIntegral() != tt.integral {
			t.Errorf("FromAny(%v).IsIntegral() = %v, want %v", tt.in, v.IsIntegral(), tt.integral)
		}
	}
}

func TestString(t *testing.T) {
	if got := String("plain").String(); got != "plain" {
		t.Errorf("got %q", got)
	}
	if got := Array(Int(1), Int(2)).String(); got != "[1,2]" {
		t.Errorf("got %q", got)
	}
}
