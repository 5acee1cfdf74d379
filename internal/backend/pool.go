package backend

import (
	"context"
	"log"

	"github.com/jldantas/leet/internal/job"
)

// Task is one unit of work a SessionPool worker executes: Run opens a
// session against the job's machine (if needed) and runs the job to
// completion.
type Task struct {
	Job    *job.Job
	Run    func(ctx context.Context, j *job.Job)
}

// SessionPool bounds the number of concurrently executing jobs against
// a single backend to its MaxSessions, the Go analogue of the
// original's per-backend session semaphore. Grounded on
// CommandDispatcher's worker-pool pattern: a buffered queue drained by
// a fixed number of worker goroutines.
type SessionPool struct {
	name    string
	queue   chan Task
	stop    chan struct{}
	workers int
}

// NewSessionPool creates a bounded pool for a backend named name with
// workers concurrent slots.
func NewSessionPool(name string, workers int) *SessionPool {
	if workers <= 0 {
		workers = 1
	}
	return &SessionPool{
		name:    name,
		queue:   make(chan Task, 1024),
		stop:    make(chan struct{}),
		workers: workers,
	}
}

// Start launches the pool's worker goroutines. It returns immediately;
// workers run until Stop is called.
func (p *SessionPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx, i)
	}
}

// Stop signals every worker to exit once its current task finishes.
func (p *SessionPool) Stop() {
	close(p.stop)
}

// Submit enqueues a task. It blocks if the queue is full, applying
// natural backpressure to the caller (the coordinator's control loop),
// mirroring DispatchCommand's queue-full behaviour but preferring to
// block rather than reject, since the coordinator is the only
// producer and must not drop a scheduled job.
func (p *SessionPool) Submit(t Task) {
	select {
	case p.queue <- t:
	case <-p.stop:
		log.Printf("[backend %s] dropped task for job %s: pool stopped", p.name, t.Job.ID)
	}
}

func (p *SessionPool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case t := <-p.queue:
			t.Run(ctx, t.Job)
		}
	}
}
