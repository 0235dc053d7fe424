// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay unit multiplied by 2^attempt.
	Base time.Duration
	// Max caps the exponential part of the delay.
	Max time.Duration
	// Jitter is the randomization factor (0.0 to 1.0) applied on top of the capped delay.
	Jitter float64
}

// DefaultPolicy returns the webhook retry policy: 1s base, 30s cap, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: 0.1,
	}
}

// Delay returns min(max, base * 2^attempt) with no jitter.
// Negative attempts are treated as zero.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if max > 0 && d >= float64(max) {
		return max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Compute returns the delay before the retry that follows the given failed
// attempt, using a random jitter value.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an explicit random value in [0.0, 1.0).
// The result is Delay(attempt, p.Base, p.Max) plus up to p.Jitter of that delay.
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	d := Delay(attempt, p.Base, p.Max)
	if p.Jitter <= 0 || randomValue <= 0 {
		return d
	}
	jitter := float64(d) * math.Min(p.Jitter, 1) * math.Min(randomValue, 1)
	return d + time.Duration(math.Round(jitter))
}
