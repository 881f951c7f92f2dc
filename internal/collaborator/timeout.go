package collaborator

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/driftline/exceptionflow/internal/platform/errors"
)

// timeoutInvoker bounds each call and converts deadline expiry into a
// retryable transient failure.
type timeoutInvoker struct {
	inner   Invoker
	timeout time.Duration
}

// WithTimeout wraps an invoker with a per-call deadline. Deadline expiry and
// context cancellation surface as TransientFailure so the worker runtime
// retries instead of failing the stage.
func WithTimeout(inner Invoker, timeout time.Duration) Invoker {
	if timeout <= 0 {
		return inner
	}
	return &timeoutInvoker{inner: inner, timeout: timeout}
}

func (t *timeoutInvoker) Name() string {
	return t.inner.Name()
}

func (t *timeoutInvoker) Invoke(ctx context.Context, in Input) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.inner.Invoke(ctx, in)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
			return Output{}, errors.Wrap(errors.CodeTransientFailure,
				fmt.Sprintf("collaborator %s timed out after %s", t.inner.Name(), t.timeout), err)
		}
		return Output{}, err
	}
	return out, nil
}
