package keyqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueue_SameKeyRunsInArrivalOrder(t *testing.T) {
	q := New(zap.NewNop())
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)

	// Hold the worker busy so the following ops pile up in the inbox.
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), "k", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		// Stagger submissions so arrival order is deterministic.
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		require.Eventually(t, func() bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			ib := q.inboxes["k"]
			return ib != nil && len(ib.ops) == i+1
		}, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestQueue_NoOverlapPerKey(t *testing.T) {
	q := New(nil)
	defer q.Close()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "same", func(context.Context) error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, int64(50), q.Executed())
}

func TestQueue_DifferentKeysRunInParallel(t *testing.T) {
	q := New(nil)
	defer q.Close()

	barrier := make(chan struct{})
	var arrived atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		key := fmt.Sprintf("key-%d", i)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), key, func(context.Context) error {
				if arrived.Add(1) == 3 {
					close(barrier)
				}
				select {
				case <-barrier:
					return nil
				case <-time.After(2 * time.Second):
					return fmt.Errorf("keys were serialized")
				}
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), arrived.Load())
	assert.Eventually(t, func() bool { return q.ActiveKeys() == 0 }, time.Second, time.Millisecond)
}

func TestQueue_ErrorAndPanicPropagate(t *testing.T) {
	q := New(nil)
	defer q.Close()

	err := q.Do(context.Background(), "k", func(context.Context) error { return fmt.Errorf("boom") })
	assert.EqualError(t, err, "boom")

	err = q.Do(context.Background(), "k", func(context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	assert.NoError(t, q.Do(context.Background(), "k", func(context.Context) error { return nil }))
}

func TestQueue_CancelledBeforeStartIsSkipped(t *testing.T) {
	q := New(nil)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), "k", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Do(ctx, "k", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	close(release)

	require.NoError(t, q.Do(context.Background(), "k", func(context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

func TestQueue_Close(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Do(context.Background(), "k", func(context.Context) error { return nil }))
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Do(context.Background(), "k", func(context.Context) error { return nil }), ErrQueueClosed)
}
