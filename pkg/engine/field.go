package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Kind identifies the type a field value carried before encryption.
type Kind int

const (
	// KindString is a UTF-8 string field.
	KindString Kind = iota + 1
	// KindNumber is a float64 field, serialized as its IEEE-754 bit pattern
	// so every value roundtrips exactly.
	KindNumber
	// KindObject is a structured field, serialized as JSON.
	KindObject
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Wire tags for the serialized form: one tag byte followed by the payload.
const (
	fieldTagString byte = 0x01
	fieldTagNumber byte = 0x02
	fieldTagObject byte = 0x03
)

// FieldValue is the closed set of value types a field can hold. Values are
// constructed with StringValue, NumberValue, or ObjectValue and read back
// through the matching accessor; asking for the wrong kind is an error, never
// a coercion.
type FieldValue struct {
	kind Kind
	str  string
	num  float64
	obj  json.RawMessage
}

// StringValue wraps a string field.
func StringValue(s string) FieldValue {
	return FieldValue{kind: KindString, str: s}
}

// NumberValue wraps a numeric field.
func NumberValue(f float64) FieldValue {
	return FieldValue{kind: KindNumber, num: f}
}

// ObjectValue wraps a structured field, serializing it to JSON immediately so
// later mutations of v cannot change what gets encrypted.
func ObjectValue(v interface{}) (FieldValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return FieldValue{}, fmt.Errorf("serialize object field: %w", err)
	}
	return FieldValue{kind: KindObject, obj: raw}, nil
}

// Kind returns which accessor applies.
func (v FieldValue) Kind() Kind {
	return v.kind
}

// AsString returns the string payload.
func (v FieldValue) AsString() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("field holds %s, not string", v.kind)
	}
	return v.str, nil
}

// AsNumber returns the numeric payload.
func (v FieldValue) AsNumber() (float64, error) {
	if v.kind != KindNumber {
		return 0, fmt.Errorf("field holds %s, not number", v.kind)
	}
	return v.num, nil
}

// DecodeObject unmarshals the structured payload into out.
func (v FieldValue) DecodeObject(out interface{}) error {
	if v.kind != KindObject {
		return fmt.Errorf("field holds %s, not object", v.kind)
	}
	return json.Unmarshal(v.obj, out)
}

// encode renders the tag-prefixed wire form that gets encrypted.
func (v FieldValue) encode() ([]byte, error) {
	switch v.kind {
	case KindString:
		out := make([]byte, 0, 1+len(v.str))
		out = append(out, fieldTagString)
		return append(out, v.str...), nil
	case KindNumber:
		out := make([]byte, 9)
		out[0] = fieldTagNumber
		binary.BigEndian.PutUint64(out[1:], math.Float64bits(v.num))
		return out, nil
	case KindObject:
		out := make([]byte, 0, 1+len(v.obj))
		out = append(out, fieldTagObject)
		return append(out, v.obj...), nil
	}
	return nil, fmt.Errorf("field value has no kind; use StringValue, NumberValue, or ObjectValue")
}

// decodeField parses the tag-prefixed wire form back into a FieldValue.
func decodeField(data []byte) (FieldValue, error) {
	if len(data) == 0 {
		return FieldValue{}, fmt.Errorf("empty field payload")
	}
	switch data[0] {
	case fieldTagString:
		return StringValue(string(data[1:])), nil
	case fieldTagNumber:
		if len(data) != 9 {
			return FieldValue{}, fmt.Errorf("number field payload must be 9 bytes, got %d", len(data))
		}
		return NumberValue(math.Float64frombits(binary.BigEndian.Uint64(data[1:]))), nil
	case fieldTagObject:
		if !json.Valid(data[1:]) {
			return FieldValue{}, fmt.Errorf("object field payload is not valid JSON")
		}
		raw := make(json.RawMessage, len(data)-1)
		copy(raw, data[1:])
		return FieldValue{kind: KindObject, obj: raw}, nil
	}
	return FieldValue{}, fmt.Errorf("unknown field tag 0x%02x", data[0])
}
