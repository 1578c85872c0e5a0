package coordinator

import "testing"

func TestParallelBase(t *testing.T) {
	cases := []struct {
		executionID string
		wantBase    string
		wantIndex   int
		wantOK      bool
	}{
		{"fan[0]", "fan", 0, true},
		{"fan[12]", "fan", 12, true},
		{"fan", "", 0, false},
		{"fan[x]", "", 0, false},
		{"nested.fan[3]", "nested.fan", 3, true},
	}
	for _, tc := range cases {
		base, index, ok := parallelBase(tc.executionID)
		if ok != tc.wantOK {
			t.Fatalf("parallelBase(%q) ok = %v, want %v", tc.executionID, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if base != tc.wantBase || index != tc.wantIndex {
			t.Fatalf("parallelBase(%q) = (%q, %d), want (%q, %d)", tc.executionID, base, index, tc.wantBase, tc.wantIndex)
		}
	}
}

func TestSettleWindowBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := settleWindow()
		if d < 100_000_000 || d >= 800_000_000 {
			t.Fatalf("settleWindow() = %v, want within [100ms, 800ms)", d)
		}
	}
}
