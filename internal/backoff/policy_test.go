package backoff

import (
	"testing"
	"time"
)

func TestDelayWithRandCurve(t *testing.T) {
	p := DeliveryPolicy()

	// randomValue 0.5 gives scale exactly 1.0.
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 256 * time.Second}, // exponent capped at 8
		{50, 256 * time.Second},
	}
	for _, tc := range cases {
		if got := p.DelayWithRand(tc.attempt, 0.5); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := DeliveryPolicy()

	if got := p.DelayWithRand(1, 0); got != 800*time.Millisecond {
		t.Errorf("low jitter: got %v, want 800ms", got)
	}
	if got := p.DelayWithRand(1, 1); got != 1200*time.Millisecond {
		t.Errorf("high jitter: got %v, want 1200ms", got)
	}
}

func TestDelayMaxCap(t *testing.T) {
	p := Policy{Base: time.Minute, Factor: 10, MaxExponent: 20, MaxDelay: 5 * time.Minute}
	if got := p.DelayWithRand(10, 0.5); got != 5*time.Minute {
		t.Errorf("got %v, want cap of 5m", got)
	}
}

func TestDelayZeroAttempt(t *testing.T) {
	p := DeliveryPolicy()
	if got := p.DelayWithRand(0, 0.5); got != time.Second {
		t.Errorf("attempt 0 treated as first: got %v, want 1s", got)
	}
}
