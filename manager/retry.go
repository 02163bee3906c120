package manager

import (
	"context"
	"math/rand"
	"time"

	"go.litecore.dev/store/dberrors"
)

const (
	retryDelayMin = 500 * time.Millisecond
	retryDelayMax = 5000 * time.Millisecond
)

// DefaultRetries is the retry budget used when Options.Retries is unset.
const DefaultRetries = 10

// retryDelay picks a uniform random delay in [retryDelayMin, retryDelayMax),
// the same "spread the retries out to avoid a thundering herd" idea as
// the jittered backoff used elsewhere in the corpus, applied here as a
// flat uniform range rather than growing with attempt number.
func retryDelay() time.Duration {
	return retryDelayMin + time.Duration(rand.Float64()*float64(retryDelayMax-retryDelayMin))
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if dberrors.Is(err, dberrors.KindWriteLockTimeout) {
		return true
	}
	return dberrors.IsTransient(err)
}

// withRetry runs action up to retries times, sleeping a jittered delay
// between attempts, retrying write-lock timeouts and busy/locked engine
// errors. On exhaustion the last cause is wrapped as KindRetryExhausted.
func withRetry(ctx context.Context, retries int, action func(ctx context.Context) error) error {
	if retries <= 0 {
		retries = DefaultRetries
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = action(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == retries-1 {
			break
		}
		select {
		case <-time.After(retryDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return dberrors.New(dberrors.KindRetryExhausted, "", lastErr)
}
