package delivery

import (
	"math/rand"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestDelayDeterministicUnderSeed(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second}

	a := rand.New(rand.NewSource(42))
	c := rand.New(rand.NewSource(42))
	for attempt := 1; attempt <= 6; attempt++ {
		if d1, d2 := b.Delay(attempt, a), b.Delay(attempt, c); d1 != d2 {
			t.Fatalf("attempt %d: %v != %v under identical seeds", attempt, d1, d2)
		}
	}
}

func TestDelayGrowthWithoutJitter(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	// nil rng disables jitter, exposing the raw exponential schedule.
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i+1, nil); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(rt, "base"))
		max := base + time.Duration(rapid.Int64Range(0, int64(10*time.Second)).Draw(rt, "extra"))
		attempt := rapid.IntRange(1, 20).Draw(rt, "attempt")
		seed := rapid.Int64().Draw(rt, "seed")

		b := Backoff{Base: base, Max: max}
		raw := b.Delay(attempt, nil)
		jittered := b.Delay(attempt, rand.New(rand.NewSource(seed)))

		if raw > max {
			rt.Fatalf("raw delay %v exceeds cap %v", raw, max)
		}
		if jittered > max {
			rt.Fatalf("jittered delay %v exceeds cap %v", jittered, max)
		}
		if jittered < 0 {
			rt.Fatalf("negative delay %v", jittered)
		}
		// Jitter stays within the documented fraction of the raw schedule.
		if low := time.Duration(float64(raw) * jitterLow); jittered < low-time.Nanosecond {
			rt.Fatalf("jittered delay %v below lower bound %v (raw %v)", jittered, low, raw)
		}
		if high := time.Duration(float64(raw) * (jitterLow + jitterSpan)); jittered > high+time.Nanosecond && jittered != max {
			rt.Fatalf("jittered delay %v above upper bound %v (raw %v)", jittered, high, raw)
		}
	})
}

func TestDelayMonotoneBeforeCap(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Max: time.Minute}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Delay(attempt, nil)
		if d < prev {
			t.Fatalf("schedule not monotone: attempt %d gave %v after %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestDelayDefaults(t *testing.T) {
	var b Backoff
	if d := b.Delay(1, nil); d != 500*time.Millisecond {
		t.Fatalf("default base = %v, want 500ms", d)
	}
	if d := b.Delay(50, nil); d != 10*time.Second {
		t.Fatalf("default cap = %v, want 10s", d)
	}
}
