package patch

import (
	"github.com/wilhg/designsync/pkg/document"
)

// Diff returns a patch that turns from into to. Output is deterministic:
// object keys are visited in sorted order and array edits are emitted so
// that each index is valid at the moment its operation runs. Diff(x, x) is
// always empty.
func Diff(from, to document.Value) Patch {
	var out Patch
	diffValue(&out, Pointer{}, from, to)
	if out == nil {
		return Patch{}
	}
	return out
}

func diffValue(out *Patch, path Pointer, from, to document.Value) {
	if from.Equal(to) {
		return
	}
	switch {
	case from.Kind() == document.KindObject && to.Kind() == document.KindObject:
		diffObject(out, path, from, to)
	case from.Kind() == document.KindArray && to.Kind() == document.KindArray:
		diffArray(out, path, from, to)
	default:
		*out = append(*out, Operation{Op: OpReplace, Path: path.String(), Value: to})
	}
}

func diffObject(out *Patch, path Pointer, from, to document.Value) {
	for _, k := range from.Keys() {
		if _, ok := to.Get(k); !ok {
			*out = append(*out, Operation{Op: OpRemove, Path: path.Append(k).String()})
		}
	}
	for _, k := range from.Keys() {
		tv, ok := to.Get(k)
		if !ok {
			continue
		}
		fv, _ := from.Get(k)
		diffValue(out, path.Append(k), fv, tv)
	}
	for _, k := range to.Keys() {
		if _, ok := from.Get(k); !ok {
			tv, _ := to.Get(k)
			*out = append(*out, Operation{Op: OpAdd, Path: path.Append(k).String(), Value: tv})
		}
	}
}

// diffArray trims the common prefix and suffix, diffs the overlapping middle
// position by position, then removes surplus items from the back or inserts
// missing ones in ascending order.
func diffArray(out *Patch, path Pointer, from, to document.Value) {
	fl, tl := from.Len(), to.Len()
	start := 0
	for start < fl && start < tl {
		a, _ := from.Index(start)
		b, _ := to.Index(start)
		if !a.Equal(b) {
			break
		}
		start++
	}
	endF, endT := fl, tl
	for endF > start && endT > start {
		a, _ := from.Index(endF - 1)
		b, _ := to.Index(endT - 1)
		if !a.Equal(b) {
			break
		}
		endF--
		endT--
	}
	midF, midT := endF-start, endT-start
	common := min(midF, midT)
	for i := 0; i < common; i++ {
		a, _ := from.Index(start + i)
		b, _ := to.Index(start + i)
		diffValue(out, path.AppendIndex(start+i), a, b)
	}
	for i := midF - 1; i >= common; i-- {
		*out = append(*out, Operation{Op: OpRemove, Path: path.AppendIndex(start + i).String()})
	}
	for i := common; i < midT; i++ {
		b, _ := to.Index(start + i)
		*out = append(*out, Operation{Op: OpAdd, Path: path.AppendIndex(start + i).String(), Value: b})
	}
}
