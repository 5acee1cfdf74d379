// Package job implements the per-job state machine and the SearchRequest
// type of spec §3–§4.2. The transition table is encoded as data, per the
// REDESIGN FLAGS note ("Finite-state machine for jobs"), the direct
// descendant of the original _JobFSM in original_source/leet/base.py.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"

	leeterrors "github.com/jldantas/leet/internal/errors"
	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/plugin"
)

// Status is one of the five states a Job can be in (spec §3).
type Status int

const (
	Pending Status = iota
	Executing
	Completed
	Cancelled
	Error
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Trigger names an attempted transition.
type Trigger string

const (
	TriggerPending   Trigger = "pending"
	TriggerExecuting Trigger = "executing"
	TriggerCancel    Trigger = "cancel"
	TriggerCompleted Trigger = "completed"
	TriggerError     Trigger = "error"
)

type transitionKey struct {
	from    Status
	trigger Trigger
}

// transitions is the permitted-transition table of spec §4.2, expressed
// as data rather than branching code.
var transitions = map[transitionKey]Status{
	{Pending, TriggerPending}:     Pending,
	{Pending, TriggerExecuting}:   Executing,
	{Pending, TriggerCancel}:      Cancelled,
	{Pending, TriggerError}:       Error,
	{Executing, TriggerPending}:   Pending,
	{Executing, TriggerCancel}:    Cancelled,
	{Executing, TriggerCompleted}: Completed,
	{Executing, TriggerError}:     Error,
	{Cancelled, TriggerCompleted}: Completed,
	{Cancelled, TriggerError}:     Error,
	{Cancelled, TriggerExecuting}: Cancelled, // absorbing edge, spec §4.2
}

// fsm is a minimal, lock-protected state machine over the table above.
type fsm struct {
	mu    sync.Mutex
	state Status
}

func newFSM(initial Status) *fsm {
	return &fsm{state: initial}
}

func (f *fsm) current() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fsm) next(trigger Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dest, ok := transitions[transitionKey{f.state, trigger}]
	if !ok {
		return leeterrors.NewLeetError("invalid transition from %s with trigger %s", f.state, trigger)
	}
	f.state = dest
	return nil
}

// Job is a (machine, plugin) execution instance with a tracked status
// (spec §3).
type Job struct {
	ID        uuid.UUID
	Machine   machine.Machine
	Plugin    plugin.Plugin
	StartTime time.Time

	// Result is set exactly once, on the transition to Completed or
	// Error.
	Result []plugin.ResultRow

	fsm *fsm
}

// New creates a Job in the Pending state for the given machine/plugin
// pair.
func New(m machine.Machine, p plugin.Plugin) *Job {
	return &Job{
		ID:        uuid.New(),
		Machine:   m,
		Plugin:    p,
		StartTime: time.Now(),
		fsm:       newFSM(Pending),
	}
}

// Status returns the job's current state.
func (j *Job) Status() Status { return j.fsm.current() }

// Pending attempts the "pending" trigger (Executing -> Pending on a
// retryable SessionError).
func (j *Job) Pending() error { return j.fsm.next(TriggerPending) }

// Executing attempts the "executing" trigger (Pending -> Executing, or
// the absorbing Cancelled -> Cancelled edge when a worker pool pickup
// races a cancellation).
func (j *Job) Executing() error { return j.fsm.next(TriggerExecuting) }

// Cancel attempts the "cancel" trigger (Pending|Executing -> Cancelled).
func (j *Job) Cancel() error { return j.fsm.next(TriggerCancel) }

// Complete attempts the "completed" trigger (Executing|Cancelled ->
// Completed) and stores the plugin result.
func (j *Job) Complete(result []plugin.ResultRow) error {
	if err := j.fsm.next(TriggerCompleted); err != nil {
		return err
	}
	j.Result = result
	return nil
}

// Fail attempts the "error" trigger (Pending|Executing|Cancelled ->
// Error) and stores a single error_message result row.
func (j *Job) Fail(message string) error {
	if err := j.fsm.next(TriggerError); err != nil {
		return err
	}
	j.Result = []plugin.ResultRow{{"error_message": message}}
	return nil
}

// Expired reports whether the job has outlived jobExpiry, counting from
// its creation time (spec §4.1, online-probe scheduler).
func (j *Job) Expired(jobExpiry time.Duration, now time.Time) bool {
	return now.Sub(j.StartTime) > jobExpiry
}

// StatusSnapshot is the externally visible view of a job, spec §6
// (JobStatusSnapshot).
type StatusSnapshot struct {
	ID     uuid.UUID
	Host   string
	Plugin string
	Status Status
}

// Snapshot builds a StatusSnapshot for this job.
func (j *Job) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		ID:     j.ID,
		Host:   j.Machine.Hostname(),
		Plugin: j.Plugin.Name(),
		Status: j.Status(),
	}
}

// SearchRequest is a batched resolution of a hostname set across every
// configured backend, with a fixed deadline (spec §3).
type SearchRequest struct {
	ID        uuid.UUID
	Created   time.Time
	Hostnames []string
	Plugin    plugin.Plugin

	// ExpectedBackends is the number of backends this search fanned out
	// to; the request is ready once this many have reported completion.
	ExpectedBackends int

	mu        sync.Mutex
	completed map[string]bool
	found     []machine.Machine
	ready     bool
}

// NewSearchRequest creates a SearchRequest for the given hostnames and
// plugin, fanning out to expectedBackends backend instances.
func NewSearchRequest(hostnames []string, p plugin.Plugin, expectedBackends int) *SearchRequest {
	return &SearchRequest{
		ID:               uuid.New(),
		Created:          time.Now(),
		Hostnames:        hostnames,
		Plugin:           p,
		ExpectedBackends: expectedBackends,
		completed:        make(map[string]bool, expectedBackends),
	}
}

// AddFound appends machines a backend resolved. Safe to call after the
// request becomes ready: a late backend neither changes readiness nor
// the found list, which is frozen once ready, so its late result is
// discarded.
func (s *SearchRequest) AddFound(found ...machine.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return
	}
	s.found = append(s.found, found...)
}

// MarkBackendCompleted records that backendName finished its search and
// reports whether this call caused the request to become ready (i.e. it
// is the one that should invoke NotifySearchCompleted / post
// SearchReady).
func (s *SearchRequest) MarkBackendCompleted(backendName string) (becameReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return false
	}
	s.completed[backendName] = true
	if len(s.completed) >= s.ExpectedBackends {
		s.ready = true
		return true
	}
	return false
}

// Expire marks the request ready unconditionally (called by the
// search-expiry timer) and reports whether it caused the transition, i.e.
// whether the expiry fired before every backend reported in.
func (s *SearchRequest) Expire() (becameReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return false
	}
	s.ready = true
	return true
}

// Ready reports whether the request has reached readiness. Readiness is
// monotonic: once true, it never flips back (spec §3, §8).
func (s *SearchRequest) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// FoundMachines returns the frozen (once ready) list of resolved
// machines found so far.
func (s *SearchRequest) FoundMachines() []machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]machine.Machine, len(s.found))
	copy(out, s.found)
	return out
}
