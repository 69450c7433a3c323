package queue

import (
	"testing"
	"time"
)

func TestFullJitter_Bounds(t *testing.T) {
	orig := randIntN
	t.Cleanup(func() { randIntN = orig })

	tests := []struct {
		attempt int
		max     time.Duration
	}{
		{-3, 1 * time.Second},
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 64 * time.Second},
		{20, 64 * time.Second},
	}
	for _, tt := range tests {
		randIntN = func(n int) int { return n - 1 }
		if got := FullJitter(tt.attempt); got != tt.max {
			t.Fatalf("FullJitter(%d) max = %v; want %v", tt.attempt, got, tt.max)
		}
		randIntN = func(int) int { return 0 }
		if got := FullJitter(tt.attempt); got != time.Second {
			t.Fatalf("FullJitter(%d) min = %v; want 1s", tt.attempt, got)
		}
	}
}

func TestFullJitter_Random(t *testing.T) {
	for i := 0; i < 500; i++ {
		d := FullJitter(4)
		if d < time.Second || d > 16*time.Second || d%time.Second != 0 {
			t.Fatalf("FullJitter(4) = %v out of range", d)
		}
	}
}

func TestRetryDelay_UsesFullJitter(t *testing.T) {
	orig := randIntN
	t.Cleanup(func() { randIntN = orig })
	randIntN = func(n int) int { return n - 1 }

	if got := RetryDelay(2, nil, nil); got != 4*time.Second {
		t.Fatalf("RetryDelay(2) = %v; want 4s", got)
	}
}
