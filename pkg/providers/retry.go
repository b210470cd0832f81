package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// RetryPolicy bounds the polling of an asynchronous cloud job.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// DefaultRetryPolicy polls ten times one second apart.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 10, Delay: time.Second}

// JobCheck reports whether a cloud job finished. A non-nil error aborts the wait.
type JobCheck func(ctx context.Context) (done bool, err error)

var errJobRunning = errors.New("cloud job still running")

// WaitForJob polls check until it reports done, fails, the context ends or the attempt
// budget is spent. An exhausted budget yields an unavailable error.
func WaitForJob(ctx context.Context, policy RetryPolicy, check JobCheck) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		done, err := check(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !done {
			return struct{}{}, errJobRunning
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Delay)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &permanent):
		return permanent.Err
	case errors.Is(err, errJobRunning):
		return engine.NewUnavailableError(
			fmt.Sprintf("cloud job did not finish after %d attempts", policy.MaxAttempts), nil).
			WithCode(engine.ErrCodeJobTimeout)
	case ctx.Err() != nil:
		return engine.NewUnavailableError("cloud job wait cancelled", ctx.Err())
	default:
		return err
	}
}
