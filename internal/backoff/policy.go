// Package backoff provides the jittered exponential delay used by the
// outbound dispatcher's retry queue.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff curve with multiplicative jitter.
// The delay for attempt n (1-based) is:
//
//	min(MaxDelay, Base * Factor^min(MaxExponent, n-1)) * uniform(1-Jitter, 1+Jitter)
type Policy struct {
	// Base is the first attempt's delay.
	Base time.Duration

	// Factor is the exponential growth factor per attempt.
	Factor float64

	// MaxExponent caps the exponent so the curve flattens.
	MaxExponent int

	// MaxDelay caps the pre-jitter delay.
	MaxDelay time.Duration

	// Jitter is the symmetric randomization fraction (0.2 → ±20%).
	Jitter float64
}

// DeliveryPolicy returns the dispatcher's retry curve: 1 s doubling up to
// 2^8 s, capped at 5 minutes per attempt, ±20% jitter.
func DeliveryPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Factor:      2,
		MaxExponent: 8,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.2,
	}
}

// Delay computes the delay for a 1-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay using a provided random value in [0, 1),
// for deterministic tests.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if p.MaxExponent > 0 && exp > p.MaxExponent {
		exp = p.MaxExponent
	}

	base := float64(p.Base) * math.Pow(p.Factor, float64(exp))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	// uniform(1-jitter, 1+jitter)
	scale := 1 - p.Jitter + 2*p.Jitter*randomValue
	return time.Duration(base * scale)
}
