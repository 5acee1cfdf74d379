package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/session"
)

type fakeMachine struct {
	hostname    string
	lastCheckin int64
	tag         string
}

func (m *fakeMachine) Hostname() string       { return m.hostname }
func (m *fakeMachine) BackendName() string    { return m.tag }
func (m *fakeMachine) OSType() machine.OSType { return machine.OSLinux }
func (m *fakeMachine) Drives() []string       { return nil }
func (m *fakeMachine) LastCheckin() int64     { return m.lastCheckin }
func (m *fakeMachine) CanConnect() bool       { return true }
func (m *fakeMachine) Refresh(ctx context.Context) error { return nil }
func (m *fakeMachine) Connect(ctx context.Context) (session.Session, error) { return nil, nil }

func TestResolveConflictsKeepsMostRecentCheckin(t *testing.T) {
	older := &fakeMachine{hostname: "HOST1", lastCheckin: 100, tag: "cb-a"}
	newer := &fakeMachine{hostname: "HOST1", lastCheckin: 200, tag: "cb-b"}

	out := ResolveConflicts([]machine.Machine{older, newer})
	// Note: both candidates share a hostname but differ in backend;
	// ResolveConflicts must pick by LastCheckin regardless of order.
	require := func(ok bool) {
		if !ok {
			t.Fatal("expected exactly one resolved machine")
		}
	}
	require(len(out) == 1)
	assert.Equal(t, "cb-b", out[0].BackendName())
}

func TestResolveConflictsPreservesDistinctHostnames(t *testing.T) {
	a := &fakeMachine{hostname: "HOST1", lastCheckin: 1, tag: "cb-a"}
	b := &fakeMachine{hostname: "HOST2", lastCheckin: 1, tag: "cb-a"}

	out := ResolveConflicts([]machine.Machine{a, b})
	assert.Len(t, out, 2)
}

func TestResolveConflictsOrderDoesNotAffectWinner(t *testing.T) {
	newer := &fakeMachine{hostname: "HOST1", lastCheckin: 200, tag: "cb-b"}
	older := &fakeMachine{hostname: "HOST1", lastCheckin: 100, tag: "cb-a"}

	out := ResolveConflicts([]machine.Machine{newer, older})
	assert.Len(t, out, 1)
	assert.Equal(t, "cb-b", out[0].BackendName())
}

func TestSplitConflictsSeparatesDuplicateHostnames(t *testing.T) {
	unique := &fakeMachine{hostname: "HOST1", lastCheckin: 1, tag: "cb-a"}
	dupA := &fakeMachine{hostname: "HOST2", lastCheckin: 100, tag: "cb-a"}
	dupB := &fakeMachine{hostname: "HOST2", lastCheckin: 200, tag: "cb-b"}

	u, conflicted := SplitConflicts([]machine.Machine{unique, dupA, dupB})

	require := func(ok bool, msg string) {
		if !ok {
			t.Fatal(msg)
		}
	}
	require(len(u) == 1, "expected exactly one unique machine")
	assert.Equal(t, "HOST1", u[0].Hostname())

	require(len(conflicted) == 1, "expected exactly one conflicted hostname")
	assert.Len(t, conflicted["HOST2"], 2)
}

func TestSplitConflictsTreatsAllUniqueHostnamesAsUnique(t *testing.T) {
	a := &fakeMachine{hostname: "HOST1", lastCheckin: 1, tag: "cb-a"}
	b := &fakeMachine{hostname: "HOST2", lastCheckin: 1, tag: "cb-a"}

	u, conflicted := SplitConflicts([]machine.Machine{a, b})
	assert.Len(t, u, 2)
	assert.Empty(t, conflicted)
}
