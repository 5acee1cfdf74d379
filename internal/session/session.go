// Package session defines the capability set a Session presents to
// plugins (spec §4.4): a small, backend-agnostic remote-execution
// contract. Every concrete backend's session wraps its native live-
// response API behind this interface and translates its own errors into
// the errors.SessionError / errors.CommandError taxonomy.
package session

import (
	"context"
	"time"
)

// ProcessRow is one row of listProcesses() output.
type ProcessRow struct {
	Username    string
	PID         int
	PPID        int
	StartTime   time.Time
	CommandLine string
	Path        string
}

// FileAttribute flags a single bit of remote file/directory metadata.
type FileAttribute int

const (
	AttrHidden FileAttribute = 1 << iota
	AttrDirectory
	AttrSystem
	AttrReadOnly
	AttrArchive
)

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name         string
	Size         int64
	Attributes   []FileAttribute
	AccessTime   time.Time
	CreateTime   time.Time
	WriteTime    time.Time
}

// HasAttr reports whether attr is set on the entry.
func (e DirEntry) HasAttr(attr FileAttribute) bool {
	for _, a := range e.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}

// Session is the capability set presented to plugins. All operations
// block until the remote side answers or raises; every error returned is
// either an *errors.SessionError or an *errors.CommandError (spec §4.4,
// §7).
type Session interface {
	// PathSeparator is "\" on Windows, "/" otherwise, derived from the
	// owning Machine's OS type.
	PathSeparator() string

	// ListProcesses returns the remote process table.
	ListProcesses(ctx context.Context) ([]ProcessRow, error)

	// ListDir lists the contents of a remote directory.
	ListDir(ctx context.Context, path string) ([]DirEntry, error)

	// GetFile returns the complete byte content of a remote file.
	GetFile(ctx context.Context, path string) ([]byte, error)

	// PutFile writes content to path. If overwrite is true and the file
	// exists, it is deleted first. Missing parent directories are
	// created recursively.
	PutFile(ctx context.Context, path string, content []byte, overwrite bool) error

	// DeleteFile deletes a file or directory (recursively, for
	// directories).
	DeleteFile(ctx context.Context, path string) error

	// Exists reports whether path is present, distinguishing files from
	// directories. A trailing separator means "inspect as directory". A
	// single-segment (root-only) path is rejected with a CommandError.
	Exists(ctx context.Context, path string) (bool, error)

	// MakeDir creates path. When recursive is true, only the missing
	// suffix of path components is created; existing prefixes are never
	// touched or re-created. Root-only paths are rejected.
	MakeDir(ctx context.Context, path string, recursive bool) error

	// StartProcess runs cmd in cwd. If background is false, it blocks
	// (up to a backend-defined timeout) and returns captured stdout; if
	// background is true, it returns as soon as the process is started.
	StartProcess(ctx context.Context, cmd string, cwd string, background bool) (string, error)

	// Close releases the underlying remote-execution channel. It is
	// always safe to call exactly once, and callers MUST call it on
	// every exit path (spec §3 invariant: every Session opened is
	// eventually closed).
	Close() error
}
