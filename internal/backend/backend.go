// Package backend defines the Backend contract that bridges the engine
// to a concrete EDR product, plus the conflict-resolution rule for
// machines multiple backends claim to own. Grounded on
// original_source/leet/backends/cb.py and
// original_source/leet/backends/ibmcloud.py.
package backend

import (
	"context"

	"github.com/jldantas/leet/internal/job"
	"github.com/jldantas/leet/internal/machine"
)

// Backend adapts one EDR product into the engine's machine/session
// model. Implementations must be safe for concurrent use: Search may
// be called while a previous search is still resolving.
type Backend interface {
	// Name uniquely identifies this backend instance (spec §3,
	// BackendProfile.Name).
	Name() string

	// MaxSessions is the bound on concurrently open remote sessions
	// this backend will hand out (spec §4.4's per-backend worker pool).
	MaxSessions() int

	// Search resolves req.Hostnames against this backend's inventory,
	// appending any matches to req via AddFound, and calls
	// onComplete once this backend's portion of the fan-out is done
	// (successfully or not). Search must not block past firing
	// onComplete; actual machine connection happens later, via
	// machine.Machine.Connect.
	Search(ctx context.Context, req *job.SearchRequest, onComplete func())

	// Start begins any background work the backend needs (connection
	// keep-alive, inventory refresh). Start must return once the
	// backend is ready to serve Search.
	Start(ctx context.Context) error

	// Shutdown stops background work and releases resources.
	Shutdown(ctx context.Context) error
}

// ResolveConflicts collapses a list of machines — potentially
// reported by more than one backend for the same hostname — to one
// entry per hostname, keeping whichever report has the most recent
// LastCheckin. Grounded on cb.py's _get_sensor, which does the same
// most-recent-checkin comparison when the Carbon Black backend itself
// observes duplicate sensor registrations for a hostname.
func ResolveConflicts(found []machine.Machine) []machine.Machine {
	best := make(map[string]machine.Machine, len(found))
	order := make([]string, 0, len(found))

	for _, m := range found {
		key := m.Hostname()
		cur, ok := best[key]
		if !ok {
			best[key] = m
			order = append(order, key)
			continue
		}
		if m.LastCheckin() > cur.LastCheckin() {
			best[key] = m
		}
	}

	out := make([]machine.Machine, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// SplitConflicts partitions found into hostnames reported by exactly
// one backend (unique) and hostnames reported by more than one
// (conflicted, keyed by hostname). Used instead of ResolveConflicts
// when EngineConfig.ConflictResolution is false (spec
// scenario 3): a conflicted hostname's job goes straight to Error
// rather than silently picking a winner.
func SplitConflicts(found []machine.Machine) (unique []machine.Machine, conflicted map[string][]machine.Machine) {
	byHost := make(map[string][]machine.Machine, len(found))
	order := make([]string, 0, len(found))
	for _, m := range found {
		key := m.Hostname()
		if _, ok := byHost[key]; !ok {
			order = append(order, key)
		}
		byHost[key] = append(byHost[key], m)
	}

	conflicted = make(map[string][]machine.Machine)
	for _, key := range order {
		ms := byHost[key]
		if len(ms) == 1 {
			unique = append(unique, ms[0])
			continue
		}
		conflicted[key] = ms
	}
	return unique, conflicted
}
