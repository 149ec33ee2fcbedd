package subscription

import "testing"

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		table    string
		want     bool
	}{
		{"exact match", []string{"orders"}, "orders", true},
		{"exact miss", []string{"orders"}, "trades", false},
		{"wildcard suffix", []string{"orders_*"}, "orders_eu", true},
		{"wildcard suffix miss", []string{"orders_*"}, "orders", false},
		{"single char", []string{"orders_?"}, "orders_1", true},
		{"any of several", []string{"trades", "orders"}, "orders", true},
		{"empty set matches all", nil, "anything", true},
		{"star matches all", []string{"*"}, "whatever", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewFilter(tc.patterns)
			if err != nil {
				t.Fatalf("NewFilter failed: %v", err)
			}
			if got := f.Match(tc.table); got != tc.want {
				t.Errorf("Match(%q) = %v, want %v", tc.table, got, tc.want)
			}
		})
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := NewFilter([]string{"[bad"}); err == nil {
		t.Error("Expected error for malformed pattern")
	}
}

func TestFilter_PatternsReturnsCopy(t *testing.T) {
	f, err := NewFilter([]string{"orders"})
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	got := f.Patterns()
	got[0] = "mutated"

	if f.Patterns()[0] != "orders" {
		t.Error("Patterns should return a copy, not the backing slice")
	}
}
