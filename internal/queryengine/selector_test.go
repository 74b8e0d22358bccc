package queryengine

import "testing"

func TestCompileAndMatchSimpleEquality(t *testing.T) {
	expr, err := Compile(Selector{"type": "invoice"})
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(expr, map[string]any{"type": "invoice"}) {
		t.Fatal("expected match")
	}
	if Matches(expr, map[string]any{"type": "receipt"}) {
		t.Fatal("expected no match")
	}
}

func TestCompileAndMatchAndOr(t *testing.T) {
	sel := Selector{
		"$or": []any{
			map[string]any{"status": "open"},
			map[string]any{"total": map[string]any{"$gt": 100}},
		},
	}
	expr, err := Compile(sel)
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(expr, map[string]any{"status": "open", "total": float64(1)}) {
		t.Fatal("expected status branch to match")
	}
	if !Matches(expr, map[string]any{"status": "closed", "total": float64(200)}) {
		t.Fatal("expected total branch to match")
	}
	if Matches(expr, map[string]any{"status": "closed", "total": float64(5)}) {
		t.Fatal("expected no match")
	}
}

func TestMatchMod(t *testing.T) {
	expr, err := Compile(Selector{"count": map[string]any{"$mod": []any{2, 0}}})
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(expr, map[string]any{"count": float64(4)}) {
		t.Fatal("expected 4 to match mod 2 == 0")
	}
	if Matches(expr, map[string]any{"count": float64(5)}) {
		t.Fatal("expected 5 not to match mod 2 == 0")
	}
}

func TestMatchSize(t *testing.T) {
	expr, err := Compile(Selector{"tags": map[string]any{"$size": 3}})
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(expr, map[string]any{"tags": []any{"a", "b", "c"}}) {
		t.Fatal("expected 3-element array to match $size:3")
	}
	if Matches(expr, map[string]any{"tags": []any{"a", "b"}}) {
		t.Fatal("expected 2-element array not to match $size:3")
	}
	if Matches(expr, map[string]any{"tags": "not-an-array"}) {
		t.Fatal("expected non-array value not to match $size")
	}
}

func TestMatchType(t *testing.T) {
	expr, err := Compile(Selector{"total": map[string]any{"$type": "number"}})
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(expr, map[string]any{"total": float64(42)}) {
		t.Fatal("expected number to match $type:number")
	}
	if Matches(expr, map[string]any{"total": "42"}) {
		t.Fatal("expected string not to match $type:number")
	}

	strExpr, err := Compile(Selector{"name": map[string]any{"$type": "string"}})
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(strExpr, map[string]any{"name": "invoice"}) {
		t.Fatal("expected string to match $type:string")
	}
	if Matches(strExpr, map[string]any{}) {
		t.Fatal("expected missing field not to match $type")
	}
}

func TestMatchText(t *testing.T) {
	expr, err := Compile(Selector{"notes": map[string]any{"$text": map[string]any{"$search": "gateway"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(expr, map[string]any{"notes": "a flaky connection to the GATEWAY"}) {
		t.Fatal("expected case-insensitive substring match against $search")
	}
	if Matches(expr, map[string]any{"notes": "battery replaced on schedule"}) {
		t.Fatal("expected no match")
	}

	bareExpr, err := Compile(Selector{"notes": map[string]any{"$text": "gateway"}})
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(bareExpr, map[string]any{"notes": "gateway timeout"}) {
		t.Fatal("expected a bare string operand to work like {$search: ...}")
	}
}

func TestMatchDottedField(t *testing.T) {
	expr, err := Compile(Selector{"address.city": "Berlin"})
	if err != nil {
		t.Fatal(err)
	}
	doc := map[string]any{"address": map[string]any{"city": "Berlin"}}
	if !Matches(expr, doc) {
		t.Fatal("expected nested field match")
	}
}
