package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dgallion1/markalign/internal/extract"
)

// IsRetryable checks if an exam-level failure is worth another attempt.
// Rate limits, server errors and per-call timeouts qualify; missing content
// and malformed oracle replies do not.
func IsRetryable(err error) bool {
	var retryErr *extract.RetryableError
	if errors.As(err, &retryErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

// MaxRetries is the default number of extra attempts per exam.
const MaxRetries = 2
