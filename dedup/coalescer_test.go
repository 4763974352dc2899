package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// N 个并发调用者共享一次生产者执行
func TestCoalescer_ExactlyOnce(t *testing.T) {
	c := New[int]()

	gate := make(chan struct{})
	var calls atomic.Int64

	producer := func() (int, error) {
		calls.Add(1)
		<-gate
		return 42, nil
	}

	const n = 10
	results := make(chan int, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Do(context.Background(), "key", producer)
			errs <- err
			results <- v
		}()
	}

	// 等所有跟随者挂到同一个 flight 上再放行领队
	require.Eventually(t, func() bool {
		s := c.GetStats()
		return s.InFlight == 1 && s.Coalesced == n-1
	}, 2*time.Second, time.Millisecond)

	close(gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls.Load(), "producer must run exactly once")
	for v := range results {
		assert.Equal(t, 42, v)
	}

	s := c.GetStats()
	assert.EqualValues(t, 1, s.Flights)
	assert.EqualValues(t, n-1, s.Coalesced)
	assert.Equal(t, 0, s.InFlight)
}

// 失败同样广播给所有订阅者
func TestCoalescer_ErrorBroadcast(t *testing.T) {
	c := New[int]()

	gate := make(chan struct{})
	wantErr := errors.New("upstream down")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Do(context.Background(), "key", func() (int, error) {
				<-gate
				return 0, wantErr
			})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return c.GetStats().Coalesced == 1 }, 2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, wantErr)
	}
}

// 跟随者取消只影响自己，领队与其余订阅者不受波及
func TestCoalescer_FollowerCancelDetachesOnlyFollower(t *testing.T) {
	c := New[int]()

	gate := make(chan struct{})
	leaderDone := make(chan error, 1)

	go func() {
		_, _, err := c.Do(context.Background(), "key", func() (int, error) {
			<-gate
			return 7, nil
		})
		leaderDone <- err
	}()

	require.Eventually(t, func() bool { return c.GetStats().InFlight == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, coalesced, err := c.Do(ctx, "key", func() (int, error) { return 0, nil })
	assert.True(t, coalesced)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
	assert.NoError(t, <-leaderDone)
}

// 不同键互不影响
func TestCoalescer_DistinctKeys(t *testing.T) {
	c := New[string]()

	v1, coalesced1, err := c.Do(context.Background(), "a", func() (string, error) { return "va", nil })
	require.NoError(t, err)
	v2, coalesced2, err := c.Do(context.Background(), "b", func() (string, error) { return "vb", nil })
	require.NoError(t, err)

	assert.Equal(t, "va", v1)
	assert.Equal(t, "vb", v2)
	assert.False(t, coalesced1)
	assert.False(t, coalesced2)
	assert.EqualValues(t, 2, c.GetStats().Flights)
}
