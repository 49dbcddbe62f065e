package identity

import "testing"

func TestNext(t *testing.T) {
	tests := []struct {
		prev string
		want string
	}{
		{"", "A"},
		{"A", "B"},
		{"Z", "a"},
		{"z", "0"},
		{"8", "9"},
		{"9", "AA"},
		{"AA", "BA"},
		{"9A", "AB"},
		{"99", "AAA"},
		{"9B", "AC"},
		{"999", "AAAA"},
		{"?", "BA"},
		{"A?", "BAA"},
		{"A!", "BAA"},
		{"?9", "BAA"},
	}

	for _, tt := range tests {
		if got := Next(tt.prev); got != tt.want {
			t.Errorf("Next(%q) = %q, want %q", tt.prev, got, tt.want)
		}
	}
}

func TestNextFirstIsFirstSymbol(t *testing.T) {
	if got := Next(""); got != Alphabet[:1] {
		t.Errorf("Next(\"\") = %q, want %q", got, Alphabet[:1])
	}
	if got := Next(HostDeviceID); got != "B" {
		t.Errorf("Next(HostDeviceID) = %q, want \"B\"", got)
	}
}

func TestNextUnique(t *testing.T) {
	const n = 1_000_000
	seen := make(map[string]struct{}, n)
	id := ""
	for i := 0; i < n; i++ {
		id = Next(id)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate identity %q after %d steps", id, i+1)
		}
		seen[id] = struct{}{}
	}
	// 62 + 62^2 + 62^3 > 10^6, so the sequence is still at four symbols or fewer.
	if len(id) > 4 {
		t.Errorf("identity %q longer than expected after %d steps", id, n)
	}
}

func TestNextLengthBoundaries(t *testing.T) {
	id := ""
	for i := 0; i < base; i++ {
		id = Next(id)
	}
	if id != "9" {
		t.Fatalf("identity #%d = %q, want \"9\"", base, id)
	}
	if id = Next(id); id != "AA" {
		t.Errorf("identity #%d = %q, want \"AA\"", base+1, id)
	}
}

func TestNextIsValid(t *testing.T) {
	for _, prev := range []string{"", "A", "9", "A!", "!!", "a-b", "é", "99?"} {
		if got := Next(prev); !Valid(got) {
			t.Errorf("Next(%q) = %q, not a valid identity", prev, got)
		}
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"", false},
		{"A", true},
		{"zZ09", true},
		{"A-B", false},
		{"é", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.id); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
