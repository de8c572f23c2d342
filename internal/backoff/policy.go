// Package backoff provides jittered exponential backoff calculation and
// generic retry helpers. The task runner's classified retry-policy table
// is the only caller in this module; the provider adapters do not retry.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// Compute calculates the backoff duration for a given attempt number
// (1-indexed): base = initialMs * factor^(attempt-1), jitter = base *
// jitter * random(), result = min(maxMs, base+jitter).
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter only, not security sensitive
}

// ComputeWithRand is Compute with an injected random value in [0,1), for
// deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy is a sensible general-purpose backoff: 100ms initial,
// 30s cap, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}
}
