package backoff

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestUntilSucceeds(t *testing.T) {
	var polls int32

	err := Until(context.Background(), time.Second, func() (bool, error) {
		return atomic.AddInt32(&polls, 1) == 12, nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(12), atomic.LoadInt32(&polls))
}

func TestUntilTimesOut(t *testing.T) {
	start := time.Now()

	err := Until(context.Background(), 20*time.Millisecond, func() (bool, error) {
		return false, nil
	})
	require.True(t, errors.Is(err, ErrTimeout))
	require.Less(t, time.Since(start), time.Second)
}

func TestUntilConditionError(t *testing.T) {
	boom := errors.New("controller fatal status")

	err := Until(context.Background(), time.Second, func() (bool, error) {
		return false, boom
	})
	require.Equal(t, boom, err)
}

func TestWaitHonorsCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, b.Wait(ctx), context.Canceled)
	require.Equal(t, 1, b.Attempts())

	for i := 0; i < yieldAttempts; i++ {
		_ = b.Wait(ctx)
	}
	require.ErrorIs(t, b.Wait(ctx), context.Canceled)
}
