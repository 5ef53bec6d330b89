package waitregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWait_WakesOnNotify(t *testing.T) {
	r := New()
	woken := make(chan bool, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		woken <- r.Wait(ctx, "orders")
	}()

	time.Sleep(10 * time.Millisecond)
	r.Notify("orders")

	select {
	case ok := <-woken:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Notify")
	}
}

func TestWait_ReturnsFalseOnContextDeadline(t *testing.T) {
	r := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.False(t, r.Wait(ctx, "orders"))
}

func TestNotify_WakesAllCurrentWaiters(t *testing.T) {
	r := New()
	const waiters = 5
	var wg sync.WaitGroup
	results := make([]bool, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			results[i] = r.Wait(ctx, "orders")
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	r.Notify("orders")
	wg.Wait()

	for i, ok := range results {
		require.True(t, ok, "waiter %d should have woken", i)
	}
}

func TestNotify_WithoutWaiterDoesNotPanic(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.Notify("empty-queue") })
}
