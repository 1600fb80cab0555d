// Package patch computes and applies structural diffs between documents as
// RFC 6902 operation lists. Everything here is pure; Diff and Apply may be
// called concurrently.
package patch

import (
	"encoding/json"
	"fmt"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
)

// OpKind names an RFC 6902 operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRemove  OpKind = "remove"
	OpReplace OpKind = "replace"
	OpMove    OpKind = "move"
	OpCopy    OpKind = "copy"
	OpTest    OpKind = "test"
)

// Operation is one edit. Value is meaningful for add, replace and test;
// From for move and copy.
type Operation struct {
	Op    OpKind
	Path  string
	From  string
	Value document.Value
}

// Patch is an ordered list of operations. An empty patch means no change.
type Patch []Operation

// IsEmpty reports whether p changes nothing.
func (p Patch) IsEmpty() bool { return len(p) == 0 }

type wireOp struct {
	Op    OpKind          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (o Operation) carriesValue() bool {
	return o.Op == OpAdd || o.Op == OpReplace || o.Op == OpTest
}

// MarshalJSON implements json.Marshaler.
func (o Operation) MarshalJSON() ([]byte, error) {
	w := wireOp{Op: o.Op, Path: o.Path}
	if o.Op == OpMove || o.Op == OpCopy {
		w.From = o.From
	}
	if o.carriesValue() {
		b, err := o.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		w.Value = b
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Shape problems surface as
// malformed patch errors.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return errmodel.MalformedPatch("operation is not an object", map[string]any{"error": err.Error()})
	}
	op := Operation{Op: w.Op, Path: w.Path, From: w.From}
	switch w.Op {
	case OpAdd, OpReplace, OpTest:
		if len(w.Value) == 0 {
			return errmodel.MalformedPatch("operation requires a value", map[string]any{"op": string(w.Op), "path": w.Path})
		}
		v, err := document.Parse(w.Value)
		if err != nil {
			return errmodel.MalformedPatch("operation value is not valid JSON", map[string]any{"op": string(w.Op), "path": w.Path})
		}
		op.Value = v
	case OpRemove, OpMove, OpCopy:
	default:
		return errmodel.MalformedPatch(fmt.Sprintf("unknown op %q", w.Op), map[string]any{"path": w.Path})
	}
	*o = op
	return nil
}

// Encode renders p as a JSON array. An empty patch encodes as [].
func Encode(p Patch) ([]byte, error) {
	if p == nil {
		p = Patch{}
	}
	return json.Marshal(p)
}

// Decode parses a JSON array of operations.
func Decode(data []byte) (Patch, error) {
	if len(data) == 0 {
		return Patch{}, nil
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		if ce := errmodel.From(err); ce.Code == errmodel.CodeMalformedPatch {
			return nil, ce
		}
		return nil, errmodel.MalformedPatch("patch is not a JSON array", map[string]any{"error": err.Error()})
	}
	if p == nil {
		p = Patch{}
	}
	return p, nil
}
