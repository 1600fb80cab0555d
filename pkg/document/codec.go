package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/wilhg/designsync/pkg/errmodel"
)

// Parse decodes one JSON text into a Value. Trailing data is rejected.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, errmodel.InvalidDocument("cannot parse document", nil, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errmodel.InvalidDocument("trailing data after document", nil, nil)
	}
	return v, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeFrom(dec, tok)
}

func decodeFrom(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Value
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindArray, arr: items}, nil
		case '{':
			obj := make(map[string]Value)
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T", kt)
				}
				field, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj[key] = field
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindObject, obj: obj}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// MarshalJSON encodes v with object keys sorted, so equal documents encode
// to identical bytes.
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
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if _, err := v.n.Float64(); err != nil {
			return fmt.Errorf("document: invalid number %q", v.n)
		}
		buf.WriteString(v.n.String())
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
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
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts values produced by encoding/json (or built by hand from
// maps, slices and scalars) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case int32:
		return Int(int64(t)), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, it := range t {
			v, err := FromAny(it)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, it := range t {
			v, err := FromAny(it)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{kind: KindObject, obj: obj}, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return Value{}, errmodel.InvalidDocument(fmt.Sprintf("unsupported type %T", x), nil, err)
		}
		return Parse(b)
	}
}

// ToAny converts v into the generic shape produced by encoding/json with
// UseNumber: map[string]any, []any, json.Number, string, bool, nil.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, it := range v.arr {
			out[i] = it.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, it := range v.obj {
			out[k] = it.ToAny()
		}
		return out
	default:
		return nil
	}
}
