// Package leet ("Leverage EDR for Execution of Things") is the public
// entry point of the engine: it wires a set of backends and a plugin
// registry into a running Coordinator and exposes the operations spec
// §6 names (ScheduleJobs, CancelJob, CancelAllJobs,
// JobStatusSnapshot, PluginList, GetPlugin, ReloadPlugins) plus the
// completion stream. It plays the role api.py plays over _LTManager in
// original_source: a thin facade a caller can embed without ever
// touching the coordinator's internals directly.
package leet

import (
	"context"

	"github.com/google/uuid"

	"github.com/jldantas/leet/internal/backend"
	"github.com/jldantas/leet/internal/config"
	"github.com/jldantas/leet/internal/coordinator"
	"github.com/jldantas/leet/internal/job"
	"github.com/jldantas/leet/internal/plugin"
	"github.com/jldantas/leet/internal/plugins"
)

// Re-exported so callers never need to import the internal packages
// directly.
type (
	// Plugin is a parameterised, idempotent unit of remote work.
	Plugin = plugin.Plugin
	// ResultRow is one row of plugin output.
	ResultRow = plugin.ResultRow
	// Backend adapts one EDR product into the engine's machine/session
	// model.
	Backend = backend.Backend
	// JobStatus is one of the five states a Job can be in.
	JobStatus = job.Status
	// StatusSnapshot is the externally visible view of a job.
	StatusSnapshot = job.StatusSnapshot
	// SearchRequest is a batched hostname resolution across every
	// configured backend.
	SearchRequest = job.SearchRequest
)

// Job status values, re-exported for convenience.
const (
	StatusPending   = job.Pending
	StatusExecuting = job.Executing
	StatusCompleted = job.Completed
	StatusCancelled = job.Cancelled
	StatusError     = job.Error
)

// Engine is a running instance of the orchestrator: one Coordinator
// plus the plugin registry it schedules against.
type Engine struct {
	coord    *coordinator.Coordinator
	registry *plugin.Registry
	cancel   context.CancelFunc
}

// New builds an Engine over the given backends, using the built-in
// reference plugins (dirlist, process_list, file_download) plus any
// extra plugins the caller registers before calling Start.
func New(cfg config.EngineConfig, backends []Backend) *Engine {
	registry := plugin.NewRegistry()
	registry.Register("dirlist", plugins.NewDirList)
	registry.Register("process_list", plugins.NewProcessList)
	registry.Register("file_download", plugins.NewFileDownload)

	return &Engine{
		coord:    coordinator.New(cfg, backends, registry),
		registry: registry,
	}
}

// RegisterPlugin adds (or overrides, last-wins) a plugin factory.
// Must be called before Start.
func (e *Engine) RegisterPlugin(name string, factory func() Plugin) {
	e.registry.Register(name, factory)
}

// Start launches the engine's control loop in the background. Call
// Shutdown to stop it.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.coord.Run(ctx)
}

// Shutdown stops the control loop and every backend, blocking until
// shutdown completes.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.coord.Shutdown()
}

// Completions streams one StatusSnapshot per job, when the job reaches
// a terminal state (Completed, Cancelled or Error). The channel is
// never closed while the engine is running; callers should keep
// draining it.
func (e *Engine) Completions() <-chan StatusSnapshot { return e.coord.Completions() }

// ScheduleJobs resolves hostnames against every configured backend and
// runs pluginName (with the given parameters) against each machine
// found. It returns the SearchRequest handle for the fan-out; jobs are
// created asynchronously as the search resolves.
func (e *Engine) ScheduleJobs(hostnames []string, pluginName string, args map[string]string) (*SearchRequest, error) {
	p, err := e.registry.Get(pluginName)
	if err != nil {
		return nil, err
	}
	if err := p.ParseParameters(args); err != nil {
		return nil, err
	}
	return e.coord.ScheduleJobs(hostnames, p), nil
}

// CancelJob cancels one job by ID.
func (e *Engine) CancelJob(id uuid.UUID) error { return e.coord.CancelJob(id) }

// CancelAllJobs cancels every job currently tracked.
func (e *Engine) CancelAllJobs() { e.coord.CancelAllJobs() }

// JobStatusSnapshot returns the current status of one job.
func (e *Engine) JobStatusSnapshot(id uuid.UUID) (StatusSnapshot, bool) {
	return e.coord.JobStatusSnapshot(id)
}

// AllJobStatusSnapshots returns the current status of every tracked
// job.
func (e *Engine) AllJobStatusSnapshots() []StatusSnapshot { return e.coord.AllJobStatusSnapshots() }

// PluginList returns the name of every registered plugin.
func (e *Engine) PluginList() []string { return e.registry.List() }

// GetPlugin returns a fresh instance of the named plugin, for
// inspecting its parameter schema (e.g. building a CLI's help text)
// without scheduling it.
func (e *Engine) GetPlugin(name string) (Plugin, error) { return e.registry.Get(name) }

// ReloadPlugins rescans the plugin registry. The compile-time registry
// has nothing to rescan, so this is a no-op preserved for API parity
// with the original's dynamic plugin loader.
func (e *Engine) ReloadPlugins() { e.registry.Reload() }
