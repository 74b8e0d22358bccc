package docmodel

import "testing"

func TestNewRevIDIsDeterministic(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	a := NewRevID(1, "", false, nil, body)
	b := NewRevID(1, "", false, nil, body)
	if a != b {
		t.Fatalf("NewRevID not deterministic: %s != %s", a, b)
	}

	other := NewRevID(1, "", false, nil, []byte(`{"hello":"there"}`))
	if a == other {
		t.Fatalf("different bodies produced the same rev id: %s", a)
	}
}

func TestSplitRevID(t *testing.T) {
	cases := []struct {
		in     string
		gen    int
		digest string
		ok     bool
	}{
		{"1-abc123", 1, "abc123", true},
		{"12-deadbeef", 12, "deadbeef", true},
		{"not-a-revid-at-all", 0, "", false},
		{"5-", 5, "", true},
		{"", 0, "", false},
	}
	for _, c := range cases {
		gen, digest, ok := SplitRevID(c.in)
		if gen != c.gen || digest != c.digest || ok != c.ok {
			t.Errorf("SplitRevID(%q) = (%d, %q, %v), want (%d, %q, %v)", c.in, gen, digest, ok, c.gen, c.digest, c.ok)
		}
	}
}

func TestCompareRevIDsGenerationDominates(t *testing.T) {
	if CompareRevIDs("2-aaaa", "10-0000") >= 0 {
		t.Fatalf("expected generation 10 to beat generation 2 regardless of digest ordering")
	}
	if CompareRevIDs("3-bbbb", "3-aaaa") <= 0 {
		t.Fatalf("expected lexicographically larger digest to win on a generation tie")
	}
	if CompareRevIDs("3-aaaa", "3-aaaa") != 0 {
		t.Fatalf("expected identical rev ids to compare equal")
	}
}
