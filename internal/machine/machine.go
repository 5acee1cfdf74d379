// Package machine defines the Machine handle produced by a backend during
// search, and the OS-type enumeration used to derive a session's path
// separator (spec §3, §4.4).
package machine

import (
	"context"

	"github.com/jldantas/leet/internal/session"
)

// OSType identifies the endpoint's operating system family.
type OSType int

const (
	OSUnknown OSType = iota
	OSWindows
	OSLinux
	OSMac
)

func (t OSType) String() string {
	switch t {
	case OSWindows:
		return "windows"
	case OSLinux:
		return "linux"
	case OSMac:
		return "mac"
	default:
		return "unknown"
	}
}

// PathSeparator returns the path separator a Session on this OS family
// uses: backslash on Windows, forward slash otherwise (spec §4.4).
func (t OSType) PathSeparator() string {
	if t == OSWindows {
		return `\`
	}
	return "/"
}

// Machine is the handle a backend hands back from Search: it carries
// identity and OS type, and exposes the canConnect probe used by the
// online-probe scheduler. A Machine is owned by the Job it was created
// for, for that job's lifetime (spec §3).
type Machine interface {
	// Hostname is the name the user searched for.
	Hostname() string

	// BackendName is the unique name of the backend instance that
	// resolved this machine.
	BackendName() string

	// OSType is the machine's operating system family.
	OSType() OSType

	// Drives optionally lists available drive letters/mount points; nil
	// when the backend does not expose this.
	Drives() []string

	// LastCheckin is used by conflict resolution (spec §4.3, §8 scenario
	// 3) to pick the most recently seen handle among backends that both
	// resolved the same hostname.
	LastCheckin() int64

	// CanConnect reports whether the machine currently accepts a
	// session. It reflects whatever Refresh last observed.
	CanConnect() bool

	// Refresh recomputes CanConnect by consulting the backend.
	Refresh(ctx context.Context) error

	// Connect opens a new Session scoped to this machine. The caller
	// owns the returned Session and must Close it.
	Connect(ctx context.Context) (session.Session, error)
}
