package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeWithRandIsMonotonicUntilCap(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 2000, Factor: 2, Jitter: 0}
	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := ComputeWithRand(policy, attempt, 0)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 2*time.Second, prev)
}

func TestComputeWithRandAppliesJitter(t *testing.T) {
	policy := Policy{InitialMs: 1000, MaxMs: 60000, Factor: 2, Jitter: 0.5}
	base := ComputeWithRand(policy, 1, 0)
	withJitter := ComputeWithRand(policy, 1, 1)
	assert.Equal(t, time.Second, base)
	assert.Greater(t, withJitter, base)
}
