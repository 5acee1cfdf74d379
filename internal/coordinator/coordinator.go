// Package coordinator implements the engine's single serialized
// control loop: one goroutine, one select over a handful of typed
// channels, exactly the shape of AgentHub.Run() in original
// _teacher_ref/agent_hub.go (register/unregister/broadcast/stale-check
// collapsed here into scheduleJobs/searchReady/jobDone/shutdown). It
// is also the direct descendant of _LTControl's single tagged queue in
// original_source/leet/manager.py: everything that mutates job or
// search state funnels through this loop, so no lock is needed on the
// job/search tables themselves.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jldantas/leet/internal/backend"
	"github.com/jldantas/leet/internal/config"
	leeterrors "github.com/jldantas/leet/internal/errors"
	"github.com/jldantas/leet/internal/job"
	"github.com/jldantas/leet/internal/plugin"
	"github.com/jldantas/leet/internal/scheduler"
)

// scheduleJobsMsg asks the coordinator to resolve hostnames and run
// plugin against every machine found.
type scheduleJobsMsg struct {
	hostnames []string
	plugin    plugin.Plugin
	reply     chan *job.SearchRequest
}

// searchReadyMsg notifies the loop that a SearchRequest has reached
// readiness (every backend reported, or the expiry timer fired).
type searchReadyMsg struct {
	req *job.SearchRequest
}

// jobDoneMsg reports the outcome of one job execution.
type jobDoneMsg struct {
	id     uuid.UUID
	result []plugin.ResultRow
	err    error
}

// cancelMsg asks the loop to cancel one job by id, or every job if all
// is set.
type cancelMsg struct {
	id    uuid.UUID
	all   bool
	reply chan error
}

// snapshotMsg requests the current StatusSnapshot of one or every job.
type snapshotMsg struct {
	id    uuid.UUID
	all   bool
	reply chan []job.StatusSnapshot
}

// Coordinator owns every job, every in-flight search, and the set of
// configured backends. Construct with New and run with Run in its own
// goroutine.
type Coordinator struct {
	cfg       config.EngineConfig
	backends  map[string]backend.Backend
	pools     map[string]*backend.SessionPool
	registry  *plugin.Registry
	sched     *scheduler.Scheduler

	jobs     map[uuid.UUID]*job.Job
	searches map[uuid.UUID]*job.SearchRequest

	completions chan job.StatusSnapshot

	scheduleJobsCh chan scheduleJobsMsg
	searchReadyCh  chan searchReadyMsg
	jobDoneCh      chan jobDoneMsg
	cancelCh       chan cancelMsg
	snapshotCh     chan snapshotMsg
	expirySweepCh  chan struct{}
	expireJobCh    chan uuid.UUID
	stopCh         chan struct{}
	stoppedCh      chan struct{}
}

// New creates a Coordinator over the given backends and plugin
// registry. Call Run to start its control loop.
func New(cfg config.EngineConfig, backends []backend.Backend, registry *plugin.Registry) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		backends: make(map[string]backend.Backend, len(backends)),
		pools:    make(map[string]*backend.SessionPool, len(backends)),
		registry: registry,
		sched:    scheduler.New(),

		jobs:     make(map[uuid.UUID]*job.Job),
		searches: make(map[uuid.UUID]*job.SearchRequest),

		completions: make(chan job.StatusSnapshot, 256),

		scheduleJobsCh: make(chan scheduleJobsMsg, 16),
		searchReadyCh:  make(chan searchReadyMsg, 16),
		jobDoneCh:      make(chan jobDoneMsg, 256),
		cancelCh:       make(chan cancelMsg, 16),
		snapshotCh:     make(chan snapshotMsg, 16),
		expirySweepCh:  make(chan struct{}, 1),
		expireJobCh:    make(chan uuid.UUID, 64),
		stopCh:         make(chan struct{}),
		stoppedCh:      make(chan struct{}),
	}
	for _, b := range backends {
		c.backends[b.Name()] = b
		c.pools[b.Name()] = backend.NewSessionPool(b.Name(), b.MaxSessions())
	}
	return c
}

// Completions returns the stream of terminal job snapshots (spec §6):
// each job is published once, when it reaches Completed, Cancelled or
// Error. Callers must keep reading it; it is never closed while the
// coordinator runs.
func (c *Coordinator) Completions() <-chan job.StatusSnapshot { return c.completions }

// Run starts every backend and the pools, then blocks serving the
// control loop until Shutdown is called. Intended to be invoked via
// `go c.Run(ctx)`.
func (c *Coordinator) Run(ctx context.Context) {
	for _, b := range c.backends {
		if err := b.Start(ctx); err != nil {
			log.Error().Err(err).Str("backend", b.Name()).Msg("backend failed to start")
		}
		c.pools[b.Name()].Start(ctx)
	}

	c.armExpirySweep()

	defer close(c.stoppedCh)
	for {
		select {
		case msg := <-c.scheduleJobsCh:
			c.handleScheduleJobs(ctx, msg)

		case msg := <-c.searchReadyCh:
			c.handleSearchReady(ctx, msg.req)

		case msg := <-c.jobDoneCh:
			c.handleJobDone(msg)

		case msg := <-c.cancelCh:
			c.handleCancel(msg)

		case msg := <-c.snapshotCh:
			c.handleSnapshot(msg)

		case <-c.expirySweepCh:
			c.handleExpirySweep()

		case id := <-c.expireJobCh:
			c.handleExpireJob(id)

		case <-c.stopCh:
			c.handleShutdown(ctx)
			return
		}
	}
}

// armExpirySweep schedules the next expiry sweep. The scheduler
// callback only ever nudges expirySweepCh; the actual scan of c.jobs
// happens on the control loop in handleExpirySweep, keeping the map
// single-owner.
func (c *Coordinator) armExpirySweep() {
	c.sched.After(c.cfg.PollInterval, func() {
		select {
		case c.expirySweepCh <- struct{}{}:
		default:
		}
	})
}

// handleExpirySweep fails every Pending job that has outlived
// cfg.JobExpiry (spec §4.1: a job whose machine never came back
// online within the expiry window is given up as Error), then re-arms
// itself.
func (c *Coordinator) handleExpirySweep() {
	now := time.Now()
	for id, j := range c.jobs {
		if j.Status() == job.Pending && j.Expired(c.cfg.JobExpiry, now) {
			j.Fail("job expired waiting for machine to come online")
			c.publish(j)
			delete(c.jobs, id)
		}
	}
	c.armExpirySweep()
}

// handleExpireJob fails and removes a single job whose online probe
// found it past cfg.JobExpiry (spec §4.1: the probe itself advances an
// expired job to Error rather than relying solely on the periodic
// sweep). Reported via expireJobCh rather than mutated directly
// because onlineProbe may run off the control-loop goroutine.
func (c *Coordinator) handleExpireJob(id uuid.UUID) {
	j, ok := c.jobs[id]
	if !ok {
		return
	}
	if j.Status() != job.Pending {
		return
	}
	j.Fail("job expired waiting for machine to come online")
	c.publish(j)
	delete(c.jobs, id)
}

// ScheduleJobs resolves hostnames against every configured backend and
// schedules p against each machine found, honoring the engine's
// search timeout (spec §4.1, §4.3). It returns the SearchRequest
// handle immediately; jobs are created asynchronously as the search
// resolves.
func (c *Coordinator) ScheduleJobs(hostnames []string, p plugin.Plugin) *job.SearchRequest {
	reply := make(chan *job.SearchRequest, 1)
	c.scheduleJobsCh <- scheduleJobsMsg{hostnames: hostnames, plugin: p, reply: reply}
	return <-reply
}

// CancelJob cancels one job by ID.
func (c *Coordinator) CancelJob(id uuid.UUID) error {
	reply := make(chan error, 1)
	c.cancelCh <- cancelMsg{id: id, reply: reply}
	return <-reply
}

// CancelAllJobs cancels every job currently tracked.
func (c *Coordinator) CancelAllJobs() {
	reply := make(chan error, 1)
	c.cancelCh <- cancelMsg{all: true, reply: reply}
	<-reply
}

// JobStatusSnapshot returns the current status of one job.
func (c *Coordinator) JobStatusSnapshot(id uuid.UUID) (job.StatusSnapshot, bool) {
	reply := make(chan []job.StatusSnapshot, 1)
	c.snapshotCh <- snapshotMsg{id: id, reply: reply}
	rows := <-reply
	if len(rows) == 0 {
		return job.StatusSnapshot{}, false
	}
	return rows[0], true
}

// AllJobStatusSnapshots returns the current status of every tracked
// job.
func (c *Coordinator) AllJobStatusSnapshots() []job.StatusSnapshot {
	reply := make(chan []job.StatusSnapshot, 1)
	c.snapshotCh <- snapshotMsg{all: true, reply: reply}
	return <-reply
}

// Shutdown stops the control loop, every backend, and every pool, and
// blocks until Run has returned.
func (c *Coordinator) Shutdown() {
	close(c.stopCh)
	<-c.stoppedCh
}

func (c *Coordinator) handleScheduleJobs(ctx context.Context, msg scheduleJobsMsg) {
	req := job.NewSearchRequest(msg.hostnames, msg.plugin, len(c.backends))
	c.searches[req.ID] = req
	msg.reply <- req

	if len(c.backends) == 0 {
		c.searchReadyCh <- searchReadyMsg{req: req}
		return
	}

	// Expire() is idempotent and guarded by req.ready, so a late fire
	// after every backend already reported in is a harmless no-op.
	c.sched.After(c.cfg.SearchTimeout, func() {
		if req.Expire() {
			c.searchReadyCh <- searchReadyMsg{req: req}
		}
	})

	for _, b := range c.backends {
		b := b
		go b.Search(ctx, req, func() {
			if req.MarkBackendCompleted(b.Name()) {
				c.searchReadyCh <- searchReadyMsg{req: req}
			}
		})
	}
}

// handleSearchReady creates a Pending job for every resolved machine
// and arms its immediate online probe (spec §4.1 SearchReady). The
// probe, not submitJob, makes the first connection attempt, so a
// machine that isn't reachable yet re-arms instead of failing the job
// outright.
func (c *Coordinator) handleSearchReady(ctx context.Context, req *job.SearchRequest) {
	found := req.FoundMachines()

	if !c.cfg.ConflictResolution {
		unique, conflicted := backend.SplitConflicts(found)
		for hostname, machines := range conflicted {
			j := job.New(machines[0], req.Plugin)
			c.jobs[j.ID] = j
			j.Fail(fmt.Sprintf("hostname %s was reported by more than one backend and conflict resolution is disabled", hostname))
			c.publish(j)
			delete(c.jobs, j.ID)
		}
		for _, m := range unique {
			j := job.New(m, req.Plugin)
			c.jobs[j.ID] = j
			go c.onlineProbe(ctx, j)
		}
		return
	}

	for _, m := range backend.ResolveConflicts(found) {
		j := job.New(m, req.Plugin)
		c.jobs[j.ID] = j
		go c.onlineProbe(ctx, j)
	}
}

// submitJob hands a job to its backend's bounded pool. The actual
// session-open/run/close sequence happens in executeJob, on a pool
// worker goroutine, never on the control loop itself.
func (c *Coordinator) submitJob(ctx context.Context, j *job.Job) {
	pool, ok := c.pools[j.Machine.BackendName()]
	if !ok {
		j.Fail(leeterrors.NewLeetError("no pool for backend %q", j.Machine.BackendName()).Error())
		c.publish(j)
		return
	}
	pool.Submit(backend.Task{
		Job: j,
		Run: func(ctx context.Context, j *job.Job) {
			result, err := c.executeJob(ctx, j)
			c.jobDoneCh <- jobDoneMsg{id: j.ID, result: result, err: err}
		},
	})
}

// executeJob is the plugin-execution wrapper of spec §4.3: transition
// to Executing (returning without opening a session if a cancel already
// won), open a session, run the plugin, and map its outcome back onto
// the job's FSM. It is the Go analogue of
// LeetPlugin.run together with the session try/finally in
// original_source/leet/base.py.
func (c *Coordinator) executeJob(ctx context.Context, j *job.Job) ([]plugin.ResultRow, error) {
	if err := j.Executing(); err != nil {
		return nil, err
	}
	if j.Status() == job.Cancelled {
		// The cancel raced the worker pickup and won (the absorbing
		// Cancelled -> Cancelled edge, spec §4.2): nothing to run.
		return nil, nil
	}

	sess, err := j.Machine.Connect(ctx)
	if err != nil {
		if se, ok := leeterrors.AsSessionError(err); ok && !se.Stop {
			j.Pending()
			return nil, err
		}
		return nil, err
	}
	defer sess.Close()

	result, runErr := j.Plugin.Run(ctx, sess, j.Machine)
	if runErr != nil {
		if se, ok := leeterrors.AsSessionError(runErr); ok && !se.Stop {
			j.Pending()
			return nil, runErr
		}
		return nil, runErr
	}
	return result, nil
}

func (c *Coordinator) handleJobDone(msg jobDoneMsg) {
	j, ok := c.jobs[msg.id]
	if !ok {
		return
	}

	switch {
	case j.Status() == job.Cancelled:
		// The absorbing Cancelled -> Cancelled edge was taken in
		// executeJob: the job never ran. Still a terminal outcome for
		// the job table (spec §3: a job lives in the table or the
		// out-queue, never both).
		c.publish(j)
		delete(c.jobs, j.ID)
		return
	case j.Status() == job.Pending:
		// executeJob already transitioned Executing -> Pending on a
		// retryable SessionError. This is an intermediate transition,
		// not a terminal one, so it is never published (spec §6: a
		// job is published exactly once, on its terminal transition).
		// Re-arm the online probe instead of resubmitting immediately,
		// so a still-unreachable machine doesn't spin the pool.
		c.sched.After(c.cfg.PollInterval, func() { c.onlineProbe(context.Background(), j) })
		return
	case msg.err != nil:
		j.Fail(msg.err.Error())
	default:
		j.Complete(msg.result)
	}
	c.publish(j)
	delete(c.jobs, j.ID)
}

func (c *Coordinator) handleCancel(msg cancelMsg) {
	if msg.all {
		for id, j := range c.jobs {
			if err := j.Cancel(); err == nil {
				c.publish(j)
				delete(c.jobs, id)
			}
		}
		msg.reply <- nil
		return
	}
	j, ok := c.jobs[msg.id]
	if !ok {
		msg.reply <- leeterrors.NewLeetError("unknown job %s", msg.id)
		return
	}
	err := j.Cancel()
	if err == nil {
		c.publish(j)
		delete(c.jobs, j.ID)
	}
	msg.reply <- err
}

func (c *Coordinator) handleSnapshot(msg snapshotMsg) {
	if msg.all {
		out := make([]job.StatusSnapshot, 0, len(c.jobs))
		for _, j := range c.jobs {
			out = append(out, j.Snapshot())
		}
		msg.reply <- out
		return
	}
	j, ok := c.jobs[msg.id]
	if !ok {
		msg.reply <- nil
		return
	}
	msg.reply <- []job.StatusSnapshot{j.Snapshot()}
}

func (c *Coordinator) handleShutdown(ctx context.Context) {
	c.sched.Stop()
	for _, pool := range c.pools {
		pool.Stop()
	}
	for _, b := range c.backends {
		if err := b.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("backend", b.Name()).Msg("backend shutdown failed")
		}
	}
}

func (c *Coordinator) publish(j *job.Job) {
	select {
	case c.completions <- j.Snapshot():
	default:
		log.Warn().Str("job", j.ID.String()).Msg("completion stream full, dropping snapshot")
	}
}

// onlineProbe periodically checks CanConnect for a Pending job's
// machine so a session lost with Stop=false eventually gets retried
// rather than waiting indefinitely (spec §4.1 probe scheduler,
// REDESIGN FLAGS "one scheduler, not two"). It is also the very first
// dispatch attempt for a newly created job (spec §4.1 SearchReady),
// not just the re-arm path.
//
// Every fire first checks that the job is still eligible: a cancelled
// job (spec §8) or one the expiry sweep already failed is dropped
// silently instead of being rearmed forever, and a job that has
// outlived cfg.JobExpiry is reported via expireJobCh instead of
// rearming again.
func (c *Coordinator) onlineProbe(ctx context.Context, j *job.Job) {
	if j.Status() != job.Pending {
		return
	}
	if j.Expired(c.cfg.JobExpiry, time.Now()) {
		select {
		case c.expireJobCh <- j.ID:
		default:
			log.Warn().Str("job", j.ID.String()).Msg("expire queue full, dropping expiry notice")
		}
		return
	}

	if err := j.Machine.Refresh(ctx); err != nil {
		if se, ok := leeterrors.AsSessionError(err); ok && se.Stop {
			return
		}
	} else if j.Machine.CanConnect() && j.Status() == job.Pending {
		c.submitJob(ctx, j)
		return
	}
	c.sched.After(c.cfg.PollInterval, func() { c.onlineProbe(ctx, j) })
}
