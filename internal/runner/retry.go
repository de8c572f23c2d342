package runner

import (
	"errors"
	"time"

	"github.com/localagent/corvid/internal/backoff"
	"github.com/localagent/corvid/internal/providers"
)

// classifyError prefers a wrapped *providers.ProviderError's own Kind
// (set at construction, e.g. by raceExecution's timeout) and falls back
// to pattern-matching the error string.
func classifyError(err error) providers.ErrorKind {
	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return providers.ClassifyErrorKind(err)
}

// retryRule is the classified-error policy for one ErrorKind: how to back
// off on a retryable failure, and at which consecutive-failure count to
// give up and pause the task instead.
type retryRule struct {
	policy  backoff.Policy
	pauseAt int // consecutive failures at which the task pauses; 0 means never
}

// retryTable implements the runner's per-kind retry/backoff/pause policy.
var retryTable = map[providers.ErrorKind]retryRule{
	providers.KindRateLimit: {
		policy:  backoff.Policy{InitialMs: 300000, MaxMs: 3600000, Factor: 5},
		pauseAt: 0,
	},
	providers.KindTransient: {
		policy:  backoff.Policy{InitialMs: 30000, MaxMs: 900000, Factor: 2},
		pauseAt: 5,
	},
	providers.KindTimeout: {
		policy:  backoff.Policy{InitialMs: 60000, MaxMs: 60000, Factor: 1},
		pauseAt: 2,
	},
	providers.KindAuth: {
		pauseAt: 1,
	},
	providers.KindContextOverflow: {
		pauseAt: 1,
	},
	providers.KindUnknown: {
		policy:  backoff.Policy{InitialMs: 60000, MaxMs: 3600000, Factor: 2},
		pauseAt: 3,
	},
}

// decideFailure classifies the error and reports whether the task should
// pause (consecutiveFailures already reflects this failure, 1-indexed)
// and, when it should instead retry, the backoff to wait before the next
// attempt.
func decideFailure(errKind providers.ErrorKind, consecutiveFailures int) (pause bool, backoffDelay time.Duration) {
	rule, ok := retryTable[errKind]
	if !ok {
		rule = retryTable[providers.KindUnknown]
	}

	if rule.pauseAt > 0 && consecutiveFailures >= rule.pauseAt {
		return true, 0
	}

	fail0 := consecutiveFailures - 1
	if fail0 < 0 {
		fail0 = 0
	}
	attempt := fail0 + 1
	return false, backoff.Compute(rule.policy, attempt)
}
