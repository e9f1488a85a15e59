package ids

import "testing"

func TestNewIsValidUUID(t *testing.T) {
	id := New()
	if !Valid(id) {
		t.Fatalf("New() produced invalid uuid: %q", id)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-a-uuid", "1234"} {
		if Valid(s) {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
}

func TestValidHandle(t *testing.T) {
	cases := []struct {
		handle string
		want   bool
	}{
		{"alice", true},
		{"bob_2", true},
		{"ab", false},           // too short
		{"Alice", false},        // uppercase not allowed
		{"has space", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidHandle(c.handle); got != c.want {
			t.Errorf("ValidHandle(%q) = %v, want %v", c.handle, got, c.want)
		}
	}
}
