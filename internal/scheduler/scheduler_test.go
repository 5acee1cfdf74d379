package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAfterFiresOnce(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	s.After(20*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestFiringOrderFollowsDeadline(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
		}
	}

	s.After(30*time.Millisecond, record(3))
	s.After(10*time.Millisecond, record(1))
	s.After(20*time.Millisecond, record(2))

	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCancelPreventsFiring(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := false
	cancel := s.At(time.Now().Add(20*time.Millisecond), func() { fired = true })
	cancel()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired)
}

func TestWaitIdleReturnsOnceQueueDrains(t *testing.T) {
	s := New()
	defer s.Stop()

	s.After(10*time.Millisecond, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for callbacks")
	}
}
