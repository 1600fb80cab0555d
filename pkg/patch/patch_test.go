package patch

import (
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
)

var pairs = []struct {
	name     string
	from, to string
}{
	{"scalar change", `{"name":"A"}`, `{"name":"B"}`},
	{"add and remove keys", `{"a":1,"b":2}`, `{"b":2,"c":3}`},
	{"nested", `{"frame":{"w":100,"h":50,"fill":"#fff"}}`, `{"frame":{"w":120,"h":50}}`},
	{"array grow", `{"layers":[1,2]}`, `{"layers":[1,2,3,4]}`},
	{"array shrink", `{"layers":[1,2,3,4]}`, `{"layers":[1,4]}`},
	{"array middle insert", `[1,2,3]`, `[1,9,8,2,3]`},
	{"array of objects", `[{"id":1,"x":0},{"id":2}]`, `[{"id":1,"x":5},{"id":3},{"id":2}]`},
	{"kind change", `{"a":[1]}`, `{"a":{"0":1}}`},
	{"root replace", `[1,2]`, `"flat"`},
	{"empty to full", `{}`, `{"a":{"b":[null,true,"s"]}}`},
	{"escaped keys", `{"a/b":1,"c~d":2}`, `{"a/b":3,"c~d":2,"e~/f":4}`},
	{"integer beyond float precision", `{"id":9007199254740992}`, `{"id":9007199254740993}`},
}

func TestDiffApplyRoundTrip(t *testing.T) {
	for _, tc := range pairs {
		t.Run(tc.name, func(t *testing.T) {
			a := document.MustParse(tc.from)
			b := document.MustParse(tc.to)
			p := Diff(a, b)
			got, err := Apply(a, p)
			if err != nil {
				t.Fatalf("apply: %v (patch=%v)", err, p)
			}
			if !got.Equal(b) {
				t.Fatalf("got %s want %s (patch=%v)", got, b, p)
			}
			if !a.Equal(document.MustParse(tc.from)) {
				t.Fatal("source document mutated")
			}
		})
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	for _, tc := range pairs {
		a := document.MustParse(tc.from)
		if p := Diff(a, document.MustParse(tc.from)); !p.IsEmpty() {
			t.Fatalf("%s: diff(x,x)=%v", tc.name, p)
		}
	}
	if p := Diff(document.MustParse(`{"n":1}`), document.MustParse(`{"n":1.0}`)); len(p) != 0 {
		t.Fatalf("numerically equal documents produced %v", p)
	}
}

func TestDiffDeterministic(t *testing.T) {
	a := document.MustParse(`{"z":1,"y":[1,2,3],"x":{"q":1,"p":2}}`)
	b := document.MustParse(`{"w":0,"y":[3],"x":{"p":3}}`)
	first, _ := Encode(Diff(a, b))
	for range 20 {
		again, _ := Encode(Diff(a, b))
		if string(again) != string(first) {
			t.Fatalf("non deterministic: %s vs %s", again, first)
		}
	}
}

func TestRoundTripRandomTrees(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := range 200 {
		a := randomValue(rng, 3)
		b := randomValue(rng, 3)
		got, err := Apply(a, Diff(a, b))
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if !got.Equal(b) {
			t.Fatalf("case %d: got %s want %s", i, got, b)
		}
	}
}

func randomValue(rng *rand.Rand, depth int) document.Value {
	k := rng.Intn(6)
	if depth == 0 {
		k = rng.Intn(4)
	}
	switch k {
	case 0:
		return document.Null()
	case 1:
		return document.Bool(rng.Intn(2) == 0)
	case 2:
		return document.Int(int64(rng.Intn(5)))
	case 3:
		return document.String(strconv.Itoa(rng.Intn(3)))
	case 4:
		n := rng.Intn(5)
		items := make([]document.Value, n)
		for i := range items {
			items[i] = randomValue(rng, depth-1)
		}
		return document.Array(items...)
	default:
		n := rng.Intn(4)
		fields := make(map[string]document.Value, n)
		for range n {
			fields[string(rune('a'+rng.Intn(4)))] = randomValue(rng, depth-1)
		}
		return document.Object(fields)
	}
}

func TestApplyOperations(t *testing.T) {
	doc := document.MustParse(`{"a":{"b":[1,2]},"c":"x"}`)
	p, err := Decode([]byte(`[
		{"op":"test","path":"/c","value":"x"},
		{"op":"add","path":"/a/b/-","value":3},
		{"op":"copy","from":"/a/b","path":"/copied"},
		{"op":"move","from":"/c","path":"/d"},
		{"op":"replace","path":"/a/b/0","value":0},
		{"op":"remove","path":"/copied/1"}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Apply(doc, p)
	if err != nil {
		t.Fatal(err)
	}
	want := document.MustParse(`{"a":{"b":[0,2,3]},"copied":[1,3],"d":"x"}`)
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestApplyErrors(t *testing.T) {
	doc := document.MustParse(`{"a":[1],"s":"x"}`)
	cases := []struct {
		name  string
		patch string
		want  error
	}{
		{"remove missing", `[{"op":"remove","path":"/nope"}]`, errmodel.ErrMalformedPatch},
		{"replace missing", `[{"op":"replace","path":"/a/5","value":1}]`, errmodel.ErrMalformedPatch},
		{"test missing", `[{"op":"test","path":"/z","value":1}]`, errmodel.ErrMalformedPatch},
		{"test mismatch", `[{"op":"test","path":"/s","value":"y"}]`, errmodel.ErrTestFailed},
		{"add into scalar", `[{"op":"add","path":"/s/k","value":1}]`, errmodel.ErrMalformedPatch},
		{"add past end", `[{"op":"add","path":"/a/3","value":1}]`, errmodel.ErrMalformedPatch},
		{"leading zero index", `[{"op":"replace","path":"/a/01","value":1}]`, errmodel.ErrMalformedPatch},
		{"move into child", `[{"op":"move","from":"/a","path":"/a/0"}]`, errmodel.ErrMalformedPatch},
		{"remove root", `[{"op":"remove","path":""}]`, errmodel.ErrMalformedPatch},
		{"bad pointer", `[{"op":"remove","path":"a"}]`, errmodel.ErrMalformedPatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Decode([]byte(tc.patch))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Apply(doc, p); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeRejectsUnknownOpsAndMissingValues(t *testing.T) {
	for _, raw := range []string{
		`[{"op":"frobnicate","path":"/a"}]`,
		`[{"op":"add","path":"/a"}]`,
		`{"op":"add"}`,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, errmodel.ErrMalformedPatch) {
			t.Fatalf("%s: want malformed patch, got %v", raw, err)
		}
	}
}

func TestEncodeKeepsNullValues(t *testing.T) {
	p := Patch{{Op: OpAdd, Path: "/a", Value: document.Null()}, {Op: OpRemove, Path: "/b"}}
	raw, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `[{"op":"add","path":"/a","value":null},{"op":"remove","path":"/b"}]` {
		t.Fatalf("got %s", raw)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 || !back[0].Value.IsNull() {
		t.Fatalf("decoded %+v", back)
	}
	empty, _ := Encode(nil)
	if string(empty) != "[]" {
		t.Fatalf("empty patch encoded as %s", empty)
	}
}

func TestPointerEscaping(t *testing.T) {
	p, err := ParsePointer("/a~1b/c~0d")
	if err != nil {
		t.Fatal(err)
	}
	if p[0] != "a/b" || p[1] != "c~d" {
		t.Fatalf("parsed %q", p)
	}
	if p.String() != "/a~1b/c~0d" {
		t.Fatalf("rendered %s", p)
	}
	if _, err := ParsePointer("/bad~2"); err == nil {
		t.Fatal("expected invalid escape")
	}
}

func TestConcurrentUse(t *testing.T) {
	a := document.MustParse(`{"list":[1,2,3],"name":"A"}`)
	b := document.MustParse(`{"list":[3,2],"name":"B","extra":true}`)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := Apply(a, Diff(a, b))
			if err != nil || !got.Equal(b) {
				t.Errorf("concurrent round trip failed: %v", err)
			}
		}()
	}
	wg.Wait()
}
