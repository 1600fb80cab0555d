package patch

import (
	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
)

// Apply returns the document produced by applying p to doc. doc itself is
// never modified. The first failing operation aborts the whole patch.
func Apply(doc document.Value, p Patch) (document.Value, error) {
	cur := doc
	for i, op := range p {
		next, err := applyOp(cur, op)
		if err != nil {
			if ce := errmodel.From(err); ce != nil {
				if ce.Context == nil {
					ce.Context = map[string]any{}
				}
				ce.Context["index"] = i
			}
			return document.Value{}, err
		}
		cur = next
	}
	return cur, nil
}

func applyOp(doc document.Value, op Operation) (document.Value, error) {
	path, err := ParsePointer(op.Path)
	if err != nil {
		return document.Value{}, err
	}
	switch op.Op {
	case OpAdd:
		return add(doc, path, op.Value)
	case OpRemove:
		return remove(doc, path)
	case OpReplace:
		return replace(doc, path, op.Value)
	case OpMove:
		from, err := ParsePointer(op.From)
		if err != nil {
			return document.Value{}, err
		}
		if len(path) > len(from) && path.hasPrefix(from) {
			return document.Value{}, errmodel.MalformedPatch("cannot move a value into its own child", map[string]any{"from": op.From, "path": op.Path})
		}
		v, err := get(doc, from)
		if err != nil {
			return document.Value{}, err
		}
		if from.String() == path.String() {
			return doc, nil
		}
		without, err := remove(doc, from)
		if err != nil {
			return document.Value{}, err
		}
		return add(without, path, v)
	case OpCopy:
		from, err := ParsePointer(op.From)
		if err != nil {
			return document.Value{}, err
		}
		v, err := get(doc, from)
		if err != nil {
			return document.Value{}, err
		}
		return add(doc, path, v)
	case OpTest:
		v, err := get(doc, path)
		if err != nil {
			return document.Value{}, err
		}
		if !v.Equal(op.Value) {
			return document.Value{}, errmodel.TestFailed("value does not match", map[string]any{"path": op.Path, "expected": op.Value.String(), "actual": v.String()})
		}
		return doc, nil
	default:
		return document.Value{}, errmodel.MalformedPatch("unknown op", map[string]any{"op": string(op.Op), "path": op.Path})
	}
}

func missing(path Pointer) error {
	return errmodel.MalformedPatch("path does not exist", map[string]any{"path": path.String()})
}

// get resolves path to a value or fails with a malformed patch error.
func get(doc document.Value, path Pointer) (document.Value, error) {
	cur := doc
	for i, tok := range path {
		switch cur.Kind() {
		case document.KindObject:
			next, ok := cur.Get(tok)
			if !ok {
				return document.Value{}, missing(path[:i+1])
			}
			cur = next
		case document.KindArray:
			idx, ok := arrayIndex(tok, cur.Len(), false)
			if !ok {
				return document.Value{}, missing(path[:i+1])
			}
			cur, _ = cur.Index(idx)
		default:
			return document.Value{}, missing(path[:i+1])
		}
	}
	return cur, nil
}

// edit walks to the parent of the last token, lets leaf rebuild it, and
// rebuilds every ancestor on the way back up.
func edit(doc document.Value, path Pointer, leaf func(parent document.Value, tok string) (document.Value, error)) (document.Value, error) {
	if len(path) == 1 {
		return leaf(doc, path[0])
	}
	tok := path[0]
	switch doc.Kind() {
	case document.KindObject:
		child, ok := doc.Get(tok)
		if !ok {
			return document.Value{}, missing(path[:1])
		}
		nc, err := edit(child, path[1:], leaf)
		if err != nil {
			return document.Value{}, err
		}
		return doc.WithKey(tok, nc)
	case document.KindArray:
		idx, ok := arrayIndex(tok, doc.Len(), false)
		if !ok {
			return document.Value{}, missing(path[:1])
		}
		child, _ := doc.Index(idx)
		nc, err := edit(child, path[1:], leaf)
		if err != nil {
			return document.Value{}, err
		}
		return doc.WithIndex(idx, nc)
	default:
		return document.Value{}, missing(path[:1])
	}
}

func add(doc document.Value, path Pointer, v document.Value) (document.Value, error) {
	if len(path) == 0 {
		return v, nil
	}
	return edit(doc, path, func(parent document.Value, tok string) (document.Value, error) {
		switch parent.Kind() {
		case document.KindObject:
			return parent.WithKey(tok, v)
		case document.KindArray:
			idx, ok := arrayIndex(tok, parent.Len(), true)
			if !ok {
				return document.Value{}, errmodel.MalformedPatch("array index out of range", map[string]any{"path": path.String()})
			}
			return parent.Insert(idx, v)
		default:
			return document.Value{}, missing(path)
		}
	})
}

func remove(doc document.Value, path Pointer) (document.Value, error) {
	if len(path) == 0 {
		return document.Value{}, errmodel.MalformedPatch("cannot remove the document root", nil)
	}
	return edit(doc, path, func(parent document.Value, tok string) (document.Value, error) {
		switch parent.Kind() {
		case document.KindObject:
			if _, ok := parent.Get(tok); !ok {
				return document.Value{}, missing(path)
			}
			return parent.WithoutKey(tok)
		case document.KindArray:
			idx, ok := arrayIndex(tok, parent.Len(), false)
			if !ok {
				return document.Value{}, missing(path)
			}
			return parent.RemoveIndex(idx)
		default:
			return document.Value{}, missing(path)
		}
	})
}

func replace(doc document.Value, path Pointer, v document.Value) (document.Value, error) {
	if len(path) == 0 {
		return v, nil
	}
	return edit(doc, path, func(parent document.Value, tok string) (document.Value, error) {
		switch parent.Kind() {
		case document.KindObject:
			if _, ok := parent.Get(tok); !ok {
				return document.Value{}, missing(path)
			}
			return parent.WithKey(tok, v)
		case document.KindArray:
			idx, ok := arrayIndex(tok, parent.Len(), false)
			if !ok {
				return document.Value{}, missing(path)
			}
			return parent.WithIndex(idx, v)
		default:
			return document.Value{}, missing(path)
		}
	})
}
