package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/jldantas/leet/internal/job"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSessionPoolRunsUpToWorkerLimitConcurrently(t *testing.T) {
	pool := NewSessionPool("test", 2)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		pool.Stop()
		cancel()
	}()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		pool.Submit(Task{
			Job: &job.Job{},
			Run: func(ctx context.Context, j *job.Job) {
				defer wg.Done()
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxInFlight)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
			},
		})
	}

	waitOrTimeout(t, &wg, time.Second)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for pool tasks")
	}
}
