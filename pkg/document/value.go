// Package document defines the versioned design tree: a tagged union of
// null, bool, number, string, array and object nodes.
//
// Values are immutable. Every edit helper returns a new Value that shares
// untouched subtrees with the receiver, so a Value may be read from any
// goroutine once constructed.
package document

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
)

// Kind enumerates node kinds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is one node of a document tree. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    json.Number
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean node.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a number node. The literal is kept verbatim for output.
func Number(n json.Number) Value { return Value{kind: KindNumber, n: n} }

// Int returns a number node for an integer.
func Int(i int64) Value { return Number(json.Number(strconv.FormatInt(i, 10))) }

// Float returns a number node for a float.
func Float(f float64) Value {
	return Number(json.Number(strconv.FormatFloat(f, 'g', -1, 64)))
}

// String returns a string node.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array node holding items.
func Array(items ...Value) Value {
	arr := make([]Value, len(items))
	copy(arr, items)
	return Value{kind: KindArray, arr: arr}
}

// Object returns an object node holding fields.
func Object(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: KindObject, obj: obj}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number literal and whether v is a number.
func (v Value) AsNumber() (json.Number, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Len returns the number of items or fields; 0 for scalars.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

// Index returns the i-th array item.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Value{}, false
	}
	return v.arr[i], true
}

// Get returns the object field named key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Keys returns object keys in ascending order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Items returns a copy of the array items.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out
}

// Equal reports structural equality. Object key order is irrelevant and
// numbers compare by value, so 1 and 1.0 are equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return numbersEqual(v.n, o.n)
	case KindString:
		return v.s == o.s
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

// numbersEqual compares the exact decimal values, so integers beyond
// float64 precision stay distinct.
func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	ra, okA := new(big.Rat).SetString(string(a))
	rb, okB := new(big.Rat).SetString(string(b))
	if okA && okB {
		return ra.Cmp(rb) == 0
	}
	fa, errA := a.Float64()
	fb, errB := b.Float64()
	if errA != nil || errB != nil {
		return false
	}
	return fa == fb
}

// WithKey returns a copy of the object with key set to f.
func (v Value) WithKey(key string, f Value) (Value, error) {
	if v.kind != KindObject {
		return Value{}, fmt.Errorf("document: set %q on %s", key, v.kind)
	}
	obj := make(map[string]Value, len(v.obj)+1)
	for k, x := range v.obj {
		obj[k] = x
	}
	obj[key] = f
	return Value{kind: KindObject, obj: obj}, nil
}

// WithoutKey returns a copy of the object without key.
func (v Value) WithoutKey(key string) (Value, error) {
	if v.kind != KindObject {
		return Value{}, fmt.Errorf("document: delete %q on %s", key, v.kind)
	}
	if _, ok := v.obj[key]; !ok {
		return Value{}, fmt.Errorf("document: no field %q", key)
	}
	obj := make(map[string]Value, len(v.obj))
	for k, x := range v.obj {
		if k != key {
			obj[k] = x
		}
	}
	return Value{kind: KindObject, obj: obj}, nil
}

// WithIndex returns a copy of the array with item i replaced.
func (v Value) WithIndex(i int, item Value) (Value, error) {
	if v.kind != KindArray {
		return Value{}, fmt.Errorf("document: index %d on %s", i, v.kind)
	}
	if i < 0 || i >= len(v.arr) {
		return Value{}, fmt.Errorf("document: index %d out of range [0,%d)", i, len(v.arr))
	}
	arr := make([]Value, len(v.arr))
	copy(arr, v.arr)
	arr[i] = item
	return Value{kind: KindArray, arr: arr}, nil
}

// Insert returns a copy of the array with item inserted before position i.
// i == Len() appends.
func (v Value) Insert(i int, item Value) (Value, error) {
	if v.kind != KindArray {
		return Value{}, fmt.Errorf("document: insert at %d on %s", i, v.kind)
	}
	if i < 0 || i > len(v.arr) {
		return Value{}, fmt.Errorf("document: insert index %d out of range [0,%d]", i, len(v.arr))
	}
	arr := make([]Value, 0, len(v.arr)+1)
	arr = append(arr, v.arr[:i]...)
	arr = append(arr, item)
	arr = append(arr, v.arr[i:]...)
	return Value{kind: KindArray, arr: arr}, nil
}

// RemoveIndex returns a copy of the array without item i.
func (v Value) RemoveIndex(i int) (Value, error) {
	if v.kind != KindArray {
		return Value{}, fmt.Errorf("document: remove %d on %s", i, v.kind)
	}
	if i < 0 || i >= len(v.arr) {
		return Value{}, fmt.Errorf("document: remove index %d out of range [0,%d)", i, len(v.arr))
	}
	arr := make([]Value, 0, len(v.arr)-1)
	arr = append(arr, v.arr[:i]...)
	arr = append(arr, v.arr[i+1:]...)
	return Value{kind: KindArray, arr: arr}, nil
}

// String renders v as compact JSON.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}
