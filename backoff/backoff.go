// Package backoff paces register polling: the first attempts only yield the
// processor, later ones sleep for exponentially growing intervals.
package backoff

import (
	"context"
	"runtime"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// ErrTimeout is returned by Until when the condition does not hold in time.
var ErrTimeout = errors.New("backoff: timed out")

const (
	yieldAttempts   = 8
	initialInterval = 500 * time.Microsecond
	maxInterval     = 50 * time.Millisecond
)

// Backoff tracks the attempts of a single wait. It must not be shared between
// concurrent waits.
type Backoff struct {
	attempts int
	exp      *cbackoff.ExponentialBackOff
}

// New returns a Backoff for one wait.
func New() *Backoff {
	exp := cbackoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{exp: exp}
}

// Attempts returns the number of completed Wait calls.
func (b *Backoff) Attempts() int { return b.attempts }

// Wait pauses once. It returns early with ctx's error if ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	b.attempts++

	if b.attempts <= yieldAttempts {
		runtime.Gosched()
		return ctx.Err()
	}

	t := time.NewTimer(b.exp.NextBackOff())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Until polls cond until it reports true, cond fails, ctx is done or timeout
// elapses. A zero timeout waits for ctx alone.
func Until(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b := New()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if err := b.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errors.Wrapf(ErrTimeout, "after %d attempts", b.attempts)
			}

			return err
		}
	}
}
