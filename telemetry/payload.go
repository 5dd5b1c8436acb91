package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindBool
	// KindRaw holds nested objects, arrays and numbers that do not fit a
	// float64, kept as their original JSON text.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "raw"
	}
}

// Value is one payload field value.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	raw  json.RawMessage
}

// Null returns a null value.
func Null() Value { return Value{kind: KindNull} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Raw returns a value holding arbitrary JSON text.
func Raw(msg json.RawMessage) Value { return Value{kind: KindRaw, raw: msg} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Float returns the numeric value and whether v is a number.
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Str returns the string value and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Boolean returns the boolean value and whether v is a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Interface converts v to the type encoding/json would produce.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindRaw:
		var out any
		if err := json.Unmarshal(v.raw, &out); err != nil {
			return string(v.raw)
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON writes numbers with their original literal when known.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if len(v.raw) > 0 {
			return v.raw, nil
		}
		return []byte(strconv.FormatFloat(v.num, 'g', -1, 64)), nil
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindRaw:
		if len(v.raw) == 0 {
			return []byte("null"), nil
		}
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

func parseValue(raw json.RawMessage) Value {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Null()
	}

	switch trimmed[0] {
	case 'n':
		return Null()
	case 't', 'f':
		return Bool(trimmed[0] == 't')
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Raw(append(json.RawMessage(nil), trimmed...))
		}
		return String(s)
	case '{', '[':
		return Raw(append(json.RawMessage(nil), trimmed...))
	}

	f, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		// out of float64 range
		return Raw(append(json.RawMessage(nil), trimmed...))
	}
	v := Number(f)
	v.raw = append(json.RawMessage(nil), trimmed...)
	return v
}

// Field is a named payload value.
type Field struct {
	Name  string
	Value Value
}

// Object is a JSON object that preserves field order. A repeated key keeps
// its first position and its last value.
type Object []Field

// ParseObject decodes data, which must hold exactly one JSON object.
func ParseObject(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidPayload)
	}

	obj := Object{}
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected object key", ErrInvalidPayload)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidPayload, name, err)
		}

		value := parseValue(raw)
		if i, seen := index[name]; seen {
			obj[i].Value = value
			continue
		}
		index[name] = len(obj)
		obj = append(obj, Field{Name: name, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidPayload)
	}

	return obj, nil
}

// Get returns the value of the named field.
func (o Object) Get(name string) (Value, bool) {
	for _, f := range o {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for i, f := range o {
		out[i] = f
		out[i].Value.raw = bytes.Clone(f.Value.raw)
	}
	return out
}

// Len returns the number of fields.
func (o Object) Len() int { return len(o) }

// MarshalJSON writes the fields in order.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, keeping field order.
func (o *Object) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	obj, err := ParseObject(data)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

// Map converts o to a plain map, losing order.
func (o Object) Map() map[string]any {
	out := make(map[string]any, len(o))
	for _, f := range o {
		out[f.Name] = f.Value.Interface()
	}
	return out
}
