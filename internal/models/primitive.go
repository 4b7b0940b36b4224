package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PrimitiveKind discriminates the value held by a Primitive.
type PrimitiveKind int

const (
	KindInt PrimitiveKind = iota
	KindDouble
	KindString
	KindBool
)

// Primitive is a tagged scalar value used for event properties and trait
// operands. It encodes to JSON as the bare value, not as a wrapper object.
type Primitive struct {
	kind PrimitiveKind
	i    int64
	f    float64
	s    string
	b    bool
}

// IntValue returns a Primitive holding an integer.
func IntValue(v int64) Primitive { return Primitive{kind: KindInt, i: v} }

// DoubleValue returns a Primitive holding a double.
func DoubleValue(v float64) Primitive { return Primitive{kind: KindDouble, f: v} }

// StringValue returns a Primitive holding a string.
func StringValue(v string) Primitive { return Primitive{kind: KindString, s: v} }

// BoolValue returns a Primitive holding a bool.
func BoolValue(v bool) Primitive { return Primitive{kind: KindBool, b: v} }

// PrimitiveFromAny converts a dynamically-typed value into a Primitive.
// Supported inputs are the signed integer types, uint through uint32,
// float32/float64, string, and bool. The second return is false for
// anything else, including uint64 and uintptr.
func PrimitiveFromAny(v any) (Primitive, bool) {
	switch t := v.(type) {
	case int:
		return IntValue(int64(t)), true
	case int8:
		return IntValue(int64(t)), true
	case int16:
		return IntValue(int64(t)), true
	case int32:
		return IntValue(int64(t)), true
	case int64:
		return IntValue(t), true
	case uint:
		return IntValue(int64(t)), true
	case uint8:
		return IntValue(int64(t)), true
	case uint16:
		return IntValue(int64(t)), true
	case uint32:
		return IntValue(int64(t)), true
	case float32:
		return DoubleValue(float64(t)), true
	case float64:
		return DoubleValue(t), true
	case string:
		return StringValue(t), true
	case bool:
		return BoolValue(t), true
	default:
		return Primitive{}, false
	}
}

// Kind returns the discriminator.
func (p Primitive) Kind() PrimitiveKind { return p.kind }

// Int returns the integer value. Zero unless Kind is KindInt.
func (p Primitive) Int() int64 { return p.i }

// Double returns the double value. Zero unless Kind is KindDouble.
func (p Primitive) Double() float64 { return p.f }

// String returns the string value, or a printable form for other kinds.
func (p Primitive) String() string {
	switch p.kind {
	case KindInt:
		return fmt.Sprintf("%d", p.i)
	case KindDouble:
		return fmt.Sprintf("%g", p.f)
	case KindBool:
		return fmt.Sprintf("%t", p.b)
	default:
		return p.s
	}
}

// Bool returns the bool value. False unless Kind is KindBool.
func (p Primitive) Bool() bool { return p.b }

// Equal reports whether two primitives hold the same kind and value.
func (p Primitive) Equal(o Primitive) bool {
	if p.kind != o.kind {
		return false
	}
	switch p.kind {
	case KindInt:
		return p.i == o.i
	case KindDouble:
		return p.f == o.f
	case KindString:
		return p.s == o.s
	default:
		return p.b == o.b
	}
}

// MarshalJSON encodes the primitive as its bare JSON value.
func (p Primitive) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case KindInt:
		return json.Marshal(p.i)
	case KindDouble:
		return json.Marshal(p.f)
	case KindString:
		return json.Marshal(p.s)
	case KindBool:
		return json.Marshal(p.b)
	default:
		return nil, fmt.Errorf("unknown primitive kind %d", p.kind)
	}
}

// UnmarshalJSON decodes a bare JSON scalar. Numbers without a fractional or
// exponent part decode as integers, everything else numeric as a double.
func (p *Primitive) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode primitive: %w", err)
	}

	switch t := raw.(type) {
	case json.Number:
		text := t.String()
		if !strings.ContainsAny(text, ".eE") {
			i, err := t.Int64()
			if err == nil {
				*p = IntValue(i)
				return nil
			}
		}
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("failed to decode numeric primitive %q: %w", text, err)
		}
		*p = DoubleValue(f)
		return nil
	case string:
		*p = StringValue(t)
		return nil
	case bool:
		*p = BoolValue(t)
		return nil
	default:
		return fmt.Errorf("unsupported primitive value %s", string(data))
	}
}

// Properties maps property names to primitive values.
type Properties map[string]Primitive

// NewProperties converts a loosely-typed map into Properties, dropping
// entries whose values are not representable as a Primitive. Returns nil
// when nothing survives the filter, so an empty input and an all-dropped
// input are indistinguishable downstream.
func NewProperties(raw map[string]any) Properties {
	if len(raw) == 0 {
		return nil
	}
	props := make(Properties, len(raw))
	for k, v := range raw {
		if p, ok := PrimitiveFromAny(v); ok {
			props[k] = p
		}
	}
	if len(props) == 0 {
		return nil
	}
	return props
}
