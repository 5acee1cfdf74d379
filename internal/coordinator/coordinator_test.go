package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jldantas/leet/internal/backend"
	"github.com/jldantas/leet/internal/config"
	leeterrors "github.com/jldantas/leet/internal/errors"
	"github.com/jldantas/leet/internal/job"
	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/plugin"
	"github.com/jldantas/leet/internal/session"
)

func newCoordinator(t *testing.T, cfg config.EngineConfig, backends ...backend.Backend) *Coordinator {
	t.Helper()
	return New(cfg, backends, plugin.NewRegistry())
}

// fakeBackend resolves a fixed set of hostnames to fakeMachines and
// lets tests control connect/run outcomes per call.
type fakeBackend struct {
	name        string
	maxSessions int
	inventory   map[string]*fakeMachine
}

func newFakeBackend(name string, machines ...*fakeMachine) *fakeBackend {
	b := &fakeBackend{name: name, maxSessions: 4, inventory: map[string]*fakeMachine{}}
	for _, m := range machines {
		m.backendName = name
		b.inventory[m.hostname] = m
	}
	return b
}

func (b *fakeBackend) Name() string     { return b.name }
func (b *fakeBackend) MaxSessions() int { return b.maxSessions }
func (b *fakeBackend) Start(ctx context.Context) error    { return nil }
func (b *fakeBackend) Shutdown(ctx context.Context) error { return nil }

func (b *fakeBackend) Search(ctx context.Context, req *job.SearchRequest, onComplete func()) {
	defer onComplete()
	var found []machine.Machine
	for _, h := range req.Hostnames {
		if m, ok := b.inventory[h]; ok {
			found = append(found, m)
		}
	}
	req.AddFound(found...)
}

type fakeMachine struct {
	hostname    string
	backendName string
	lastCheckin int64
	connectErr  error
	sess        *fakeSession
}

func (m *fakeMachine) Hostname() string       { return m.hostname }
func (m *fakeMachine) BackendName() string    { return m.backendName }
func (m *fakeMachine) OSType() machine.OSType { return machine.OSLinux }
func (m *fakeMachine) Drives() []string       { return nil }
func (m *fakeMachine) LastCheckin() int64     { return m.lastCheckin }
func (m *fakeMachine) CanConnect() bool       { return m.connectErr == nil }
func (m *fakeMachine) Refresh(ctx context.Context) error { return nil }
func (m *fakeMachine) Connect(ctx context.Context) (session.Session, error) {
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return m.sess, nil
}

type fakeSession struct {
	runResult []plugin.ResultRow
	runErr    error
	closed    bool
}

func (s *fakeSession) PathSeparator() string { return "/" }
func (s *fakeSession) ListProcesses(ctx context.Context) ([]session.ProcessRow, error) {
	return nil, nil
}
func (s *fakeSession) ListDir(ctx context.Context, path string) ([]session.DirEntry, error) {
	return nil, nil
}
func (s *fakeSession) GetFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (s *fakeSession) PutFile(ctx context.Context, path string, content []byte, overwrite bool) error {
	return nil
}
func (s *fakeSession) DeleteFile(ctx context.Context, path string) error { return nil }
func (s *fakeSession) Exists(ctx context.Context, path string) (bool, error) { return false, nil }
func (s *fakeSession) MakeDir(ctx context.Context, path string, recursive bool) error { return nil }
func (s *fakeSession) StartProcess(ctx context.Context, cmd, cwd string, background bool) (string, error) {
	return "", nil
}
func (s *fakeSession) Close() error { s.closed = true; return nil }

// fakePlugin always returns a fixed result/error, ignoring parameters.
type fakePlugin struct {
	*plugin.Base
	result []plugin.ResultRow
	err    error
}

func newFakePlugin() *fakePlugin {
	return &fakePlugin{Base: plugin.NewBase("fake", "a fake plugin for tests")}
}

func (p *fakePlugin) Run(ctx context.Context, sess session.Session, m machine.Machine) ([]plugin.ResultRow, error) {
	return p.result, p.err
}

func testConfig() config.EngineConfig {
	cfg := config.EngineConfig{
		SearchTimeout:      100 * time.Millisecond,
		PollInterval:       50 * time.Millisecond,
		JobExpiry:          time.Hour,
		MaxSessions:        4,
		ConflictResolution: true,
	}
	return cfg
}

func waitForSnapshot(t *testing.T, c *Coordinator, hostname string, want job.Status, timeout time.Duration) job.StatusSnapshot {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case snap := <-c.Completions():
			if snap.Host == hostname && snap.Status == want {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", hostname, want)
		}
	}
}

func TestScheduleJobsRunsPluginAgainstResolvedMachine(t *testing.T) {
	sess := &fakeSession{}
	m := &fakeMachine{hostname: "HOST1", lastCheckin: 1, sess: sess}
	b := newFakeBackend("backend-a", m)
	p := newFakePlugin()
	p.result = []plugin.ResultRow{{"k": "v"}}

	c := newCoordinator(t, testConfig(), b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	req := c.ScheduleJobs([]string{"HOST1"}, p)
	require.NotNil(t, req)

	snap := waitForSnapshot(t, c, "HOST1", job.Completed, 2*time.Second)
	assert.Equal(t, "fake", snap.Plugin)
	assert.True(t, sess.closed)

	// The job table never accumulates terminal jobs (spec §3: a job
	// lives in the table or the out-queue, never both).
	assert.Empty(t, c.AllJobStatusSnapshots())
}

func TestScheduleJobsFailsJobOnPluginError(t *testing.T) {
	sess := &fakeSession{}
	m := &fakeMachine{hostname: "HOST1", lastCheckin: 1, sess: sess}
	b := newFakeBackend("backend-a", m)
	p := newFakePlugin()
	p.err = leeterrors.NewPluginError("boom", nil)

	c := newCoordinator(t, testConfig(), b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	c.ScheduleJobs([]string{"HOST1"}, p)
	snap := waitForSnapshot(t, c, "HOST1", job.Error, 2*time.Second)
	assert.Equal(t, job.Error, snap.Status)
	assert.Empty(t, c.AllJobStatusSnapshots())
}

func TestScheduleJobsSkipsUnresolvedHostname(t *testing.T) {
	b := newFakeBackend("backend-a")
	p := newFakePlugin()

	c := newCoordinator(t, testConfig(), b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	req := c.ScheduleJobs([]string{"GHOST"}, p)

	select {
	case <-time.After(300 * time.Millisecond):
	case snap := <-c.Completions():
		t.Fatalf("did not expect any job snapshot, got %+v", snap)
	}
	assert.Eventually(t, req.Ready, time.Second, 10*time.Millisecond)
}

func TestCancelJobTransitionsToCancelled(t *testing.T) {
	sess := &fakeSession{}
	m := &fakeMachine{hostname: "HOST1", lastCheckin: 1, sess: sess}
	b := newFakeBackend("backend-a", m)
	p := newFakePlugin()

	c := newCoordinator(t, testConfig(), b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	c.ScheduleJobs([]string{"HOST1"}, p)
	c.CancelAllJobs()

	// Race the job's own completion: whichever happens first, the
	// single completion event published must be a terminal state
	// (Cancelled or Completed), never Pending/Executing, and the job
	// must not be published twice.
	deadline := time.After(2 * time.Second)
	var got *job.StatusSnapshot
	for got == nil {
		select {
		case snap := <-c.Completions():
			if snap.Host == "HOST1" {
				s := snap
				got = &s
			}
		case <-deadline:
			t.Fatal("timed out waiting for a terminal snapshot")
		}
	}
	assert.Contains(t, []job.Status{job.Cancelled, job.Completed}, got.Status)

	// The job table is empty once its terminal transition has been
	// published (spec §3 invariant).
	assert.Empty(t, c.AllJobStatusSnapshots())
}

func TestOnlineProbeDropsWhenJobNoLongerPending(t *testing.T) {
	m := &fakeMachine{hostname: "HOST1", lastCheckin: 1}
	p := newFakePlugin()
	j := job.New(m, p)
	require.NoError(t, j.Cancel())

	c := newCoordinator(t, testConfig())
	c.jobs[j.ID] = j
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	c.onlineProbe(ctx, j)

	// A cancelled job's probe drops silently: no submission, no
	// expiry notice, no rearm (spec §8).
	select {
	case snap := <-c.Completions():
		t.Fatalf("did not expect a completion for a dropped probe, got %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, job.Cancelled, j.Status())
}

func TestOnlineProbeFailsExpiredJob(t *testing.T) {
	m := &fakeMachine{hostname: "HOST1", lastCheckin: 1}
	p := newFakePlugin()
	j := job.New(m, p)
	j.StartTime = time.Now().Add(-2 * time.Hour)

	cfg := testConfig()
	cfg.JobExpiry = time.Hour
	c := newCoordinator(t, cfg)
	c.jobs[j.ID] = j
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	c.onlineProbe(ctx, j)

	snap := waitForSnapshot(t, c, "HOST1", job.Error, time.Second)
	assert.Equal(t, job.Error, snap.Status)
	assert.Empty(t, c.AllJobStatusSnapshots())
}
