package document

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/wilhg/designsync/pkg/errmodel"
)

func TestParseAndMarshalCanonical(t *testing.T) {
	v, err := Parse([]byte(`{"b":[1,2.5,"x",null,true],"a":{"z":1,"y":false}}`))
	if err != nil {
		t.Fatal(err)
	}
	got := v.String()
	want := `{"a":{"y":false,"z":1},"b":[1,2.5,"x",null,true]}`
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
	if v.Kind() != KindObject || v.Len() != 2 {
		t.Fatalf("kind=%s len=%d", v.Kind(), v.Len())
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	if !errors.Is(err, errmodel.ErrInvalidDocument) {
		t.Fatalf("want invalid document, got %v", err)
	}
	if _, err := Parse([]byte(``)); err == nil {
		t.Fatal("empty input must fail")
	}
}

func TestEqualIgnoresKeyOrderAndNumberSpelling(t *testing.T) {
	a := MustParse(`{"x":1,"y":[1,{"k":"v"}]}`)
	b := MustParse(`{"y":[1.0,{"k":"v"}],"x":1e0}`)
	if !a.Equal(b) {
		t.Fatalf("expected equal: %s vs %s", a, b)
	}
	c := MustParse(`{"x":1,"y":[1,{"k":"w"}]}`)
	if a.Equal(c) {
		t.Fatal("expected not equal")
	}
	if Null().Equal(Bool(false)) {
		t.Fatal("null must differ from false")
	}
}

func TestEqualKeepsLargeIntegersDistinct(t *testing.T) {
	a := MustParse(`{"id":9007199254740993}`)
	b := MustParse(`{"id":9007199254740992}`)
	if a.Equal(b) {
		t.Fatalf("%s and %s must differ", a, b)
	}
	if !MustParse(`12345678901234567890`).Equal(MustParse(`1.2345678901234567890e19`)) {
		t.Fatal("same large value in exponent form must be equal")
	}
	if !MustParse(`0.1`).Equal(MustParse(`1e-1`)) {
		t.Fatal("0.1 and 1e-1 must be equal")
	}
}

func TestEditHelpersDoNotMutateReceiver(t *testing.T) {
	orig := MustParse(`{"list":[1,2,3],"name":"A"}`)
	list, _ := orig.Get("list")

	list2, err := list.Insert(1, Int(9))
	if err != nil {
		t.Fatal(err)
	}
	next, err := orig.WithKey("list", list2)
	if err != nil {
		t.Fatal(err)
	}
	next, err = next.WithoutKey("name")
	if err != nil {
		t.Fatal(err)
	}
	if orig.String() != `{"list":[1,2,3],"name":"A"}` {
		t.Fatalf("receiver mutated: %s", orig)
	}
	if next.String() != `{"list":[1,9,2,3]}` {
		t.Fatalf("next=%s", next)
	}
	if _, err := list.RemoveIndex(3); err == nil {
		t.Fatal("expected out of range")
	}
	if _, err := String("x").WithKey("a", Null()); err == nil {
		t.Fatal("expected kind error")
	}
}

func TestFromAnyAndToAny(t *testing.T) {
	v, err := FromAny(map[string]any{"n": 3, "f": 1.5, "s": "x", "l": []any{true, nil}})
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != `{"f":1.5,"l":[true,null],"n":3,"s":"x"}` {
		t.Fatalf("got %s", v)
	}
	raw, _ := json.Marshal(v.ToAny())
	back, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(v) {
		t.Fatalf("round trip mismatch: %s vs %s", back, v)
	}
}

func TestUnmarshalIntoStructField(t *testing.T) {
	var payload struct {
		Document Value `json:"document"`
	}
	if err := json.Unmarshal([]byte(`{"document":{"name":"A"}}`), &payload); err != nil {
		t.Fatal(err)
	}
	name, _ := payload.Document.Get("name")
	if s, ok := name.AsString(); !ok || s != "A" {
		t.Fatalf("name=%v", name)
	}
}

func TestSchemaValidator(t *testing.T) {
	sv, err := CompileSchema([]byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseValid([]byte(`{"name":"A"}`), sv); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}
	_, err = ParseValid([]byte(`{"name":1}`), sv)
	if !errors.Is(err, errmodel.ErrInvalidDocument) {
		t.Fatalf("want invalid document, got %v", err)
	}
	if _, err := CompileSchema([]byte(`{`)); err == nil {
		t.Fatal("expected invalid schema")
	}
}
