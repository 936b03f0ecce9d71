package federation

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second, // capped
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("next() call %d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffResetRestartsSchedule(t *testing.T) {
	b := newBackoff(50*time.Millisecond, time.Second)
	b.next()
	b.next()
	b.reset()
	if got := b.next(); got != 50*time.Millisecond {
		t.Fatalf("next() after reset = %v, want base 50ms", got)
	}
}
