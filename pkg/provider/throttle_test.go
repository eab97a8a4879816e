package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_Unlimited(t *testing.T) {
	th := NewThrottle(nil, 0)
	for i := 0; i < 100; i++ {
		release, err := th.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
}

func TestThrottle_ConcurrencyCap(t *testing.T) {
	th := NewThrottle(nil, 1)

	release, err := th.Acquire(context.Background())
	require.NoError(t, err)

	// Second acquire must block until the first slot is released.
	acquired := make(chan struct{})
	go func() {
		r2, err := th.Acquire(context.Background())
		if err == nil {
			r2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the slot was held")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestThrottle_AcquireHonorsContext(t *testing.T) {
	th := NewThrottle(nil, 1)
	release, err := th.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = th.Acquire(ctx)
	assert.Error(t, err)
}

func TestThrottle_RateBudget(t *testing.T) {
	// Two calls per second, burst of two: the third must wait.
	th := NewThrottle(&RateLimit{Calls: 2, Seconds: 1}, 0)

	start := time.Now()
	for i := 0; i < 2; i++ {
		release, err := th.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "burst must not wait")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := th.Acquire(ctx)
	assert.Error(t, err, "third call inside the window must be delayed beyond the context deadline")
}
