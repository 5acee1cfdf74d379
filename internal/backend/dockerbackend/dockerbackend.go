// Package dockerbackend is a reference Backend implementation that
// treats running Docker containers as endpoints: ContainerExecCreate
// for process/file-list/command work, CopyFromContainer/
// CopyToContainer for file transfer. Grounded on docker-agent's client
// setup in original _teacher_ref/docker_agent_main.go
// (client.NewClientWithOpts with API version negotiation) and its
// container lifecycle helpers in agent_docker_operations.go.
package dockerbackend

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	leeterrors "github.com/jldantas/leet/internal/errors"
	"github.com/jldantas/leet/internal/job"
	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/session"
)

// Backend resolves hostnames against the labels of running Docker
// containers on the local daemon, and opens sessions backed by
// ContainerExecCreate/Attach.
type Backend struct {
	name        string
	maxSessions int
	cli         *client.Client
}

// New creates a docker-backed Backend named name talking to the
// daemon at dockerHost (pass "" for the Docker client library's
// default host; DOCKER_HOST and related environment variables are not
// read).
func New(name, dockerHost string, maxSessions int) (*Backend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, leeterrors.NewLeetError("creating docker client: %v", err)
	}
	return &Backend{name: name, maxSessions: maxSessions, cli: cli}, nil
}

func (b *Backend) Name() string      { return b.name }
func (b *Backend) MaxSessions() int  { return b.maxSessions }

func (b *Backend) Start(ctx context.Context) error {
	_, err := b.cli.Ping(ctx)
	if err != nil {
		return leeterrors.NewLeetError("docker backend %s: ping failed: %v", b.name, err)
	}
	return nil
}

func (b *Backend) Shutdown(ctx context.Context) error {
	return b.cli.Close()
}

// Search lists running containers and matches req.Hostnames against
// each container's name (its first name without the leading "/", or
// its 12-character short ID when it has none). The container's
// configured hostname is not consulted.
func (b *Backend) Search(ctx context.Context, req *job.SearchRequest, onComplete func()) {
	defer onComplete()

	wanted := make(map[string]bool, len(req.Hostnames))
	for _, h := range req.Hostnames {
		wanted[h] = true
	}

	containers, err := b.cli.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		log.Error().Err(err).Str("backend", b.name).Msg("container list failed during search")
		return
	}

	var found []machine.Machine
	for _, c := range containers {
		host := containerHostname(c)
		if !wanted[host] {
			continue
		}
		found = append(found, &Machine{backend: b, containerID: c.ID, hostname: host, lastCheckin: time.Now().Unix(), running: true})
	}
	req.AddFound(found...)
}

func containerHostname(c types.Container) string {
	for _, n := range c.Names {
		return strings.TrimPrefix(n, "/")
	}
	return c.ID[:12]
}

// Machine is a running container addressed as an endpoint.
type Machine struct {
	backend     *Backend
	containerID string
	hostname    string
	lastCheckin int64
	running     bool
}

func (m *Machine) Hostname() string    { return m.hostname }
func (m *Machine) BackendName() string { return m.backend.name }
func (m *Machine) OSType() machine.OSType { return machine.OSLinux }
func (m *Machine) Drives() []string    { return []string{"/"} }
func (m *Machine) LastCheckin() int64  { return m.lastCheckin }
func (m *Machine) CanConnect() bool    { return m.running }

func (m *Machine) Refresh(ctx context.Context) error {
	info, err := m.backend.cli.ContainerInspect(ctx, m.containerID)
	if err != nil {
		m.running = false
		return leeterrors.NewSessionError(fmt.Sprintf("container %s not found", m.containerID), true, err)
	}
	m.running = info.State.Running
	if !m.running {
		return leeterrors.NewSessionError(fmt.Sprintf("container %s is not running", m.containerID), false, nil)
	}
	m.lastCheckin = time.Now().Unix()
	return nil
}

func (m *Machine) Connect(ctx context.Context) (session.Session, error) {
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return &Session{m: m}, nil
}

// Session executes commands and transfers files against a single
// container through the Docker Exec and Copy APIs.
type Session struct {
	m      *Machine
	mu     sync.Mutex
	closed bool
}

func (s *Session) PathSeparator() string { return "/" }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) exec(ctx context.Context, cmd []string) (string, error) {
	cli := s.m.backend.cli
	execCfg := types.ExecConfig{Cmd: cmd, AttachStdout: true, AttachStderr: true}
	created, err := cli.ContainerExecCreate(ctx, s.m.containerID, execCfg)
	if err != nil {
		return "", leeterrors.NewCommandError("exec create failed", err)
	}
	resp, err := cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", leeterrors.NewCommandError("exec attach failed", err)
	}
	defer resp.Close()

	out, err := io.ReadAll(resp.Reader)
	if err != nil {
		return "", leeterrors.NewCommandError("reading exec output failed", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", leeterrors.NewCommandError("exec inspect failed", err)
	}
	if inspect.ExitCode != 0 {
		return string(out), leeterrors.NewCommandError(fmt.Sprintf("command exited %d: %s", inspect.ExitCode, string(out)), nil)
	}
	return string(out), nil
}

// psLineRE splits a "pid ppid user etimes args..." line from ps. etimes
// (elapsed seconds) is used instead of lstart/etime's free-text date
// because it is a plain integer and can't swallow whitespace the way a
// "Mon Jan 2 15:04:05 2006" field would, which would otherwise make
// args unrecoverable by field counting alone.
var psLineRE = regexp.MustCompile(`^\s*(\d+)\s+(\d+)\s+(\S+)\s+(\d+)\s+(.*)$`)

func (s *Session) ListProcesses(ctx context.Context) ([]session.ProcessRow, error) {
	out, err := s.exec(ctx, []string{"ps", "-eo", "pid,ppid,user,etimes,args", "--no-headers"})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var rows []session.ProcessRow
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		m := psLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, _ := strconv.Atoi(m[1])
		ppid, _ := strconv.Atoi(m[2])
		elapsed, _ := strconv.Atoi(m[4])
		args := m[5]
		path := args
		if sp := strings.IndexByte(args, ' '); sp >= 0 {
			path = args[:sp]
		}
		rows = append(rows, session.ProcessRow{
			Username:    m[3],
			PID:         pid,
			PPID:        ppid,
			StartTime:   now.Add(-time.Duration(elapsed) * time.Second),
			CommandLine: args,
			Path:        path,
		})
	}
	return rows, nil
}

// dirEntryRE splits a tab-delimited find -printf line: name, size,
// atime, ctime, mtime (all @-epoch seconds), type.
var dirEntryRE = regexp.MustCompile(`^(.*)\t(\d+)\t([\d.]+)\t([\d.]+)\t([\d.]+)\t(.)$`)

func (s *Session) ListDir(ctx context.Context, path string) ([]session.DirEntry, error) {
	listPath := strings.TrimSuffix(path, "/")
	if listPath == "" {
		listPath = "/"
	}
	out, err := s.exec(ctx, []string{
		"find", listPath, "-mindepth", "1", "-maxdepth", "1",
		"-printf", `%f\t%s\t%A@\t%C@\t%T@\t%y\n`,
	})
	if err != nil {
		return nil, err
	}
	var entries []session.DirEntry
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		m := dirEntryRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		size, _ := strconv.ParseInt(m[2], 10, 64)
		atime := parseFindEpoch(m[3])
		// find has no true birth time on Linux; %C@ (inode change
		// time) is the closest approximation available.
		ctime := parseFindEpoch(m[4])
		mtime := parseFindEpoch(m[5])
		var attrs []session.FileAttribute
		if m[6] == "d" {
			attrs = append(attrs, session.AttrDirectory)
		}
		if strings.HasPrefix(m[1], ".") {
			attrs = append(attrs, session.AttrHidden)
		}
		entries = append(entries, session.DirEntry{
			Name:       m[1],
			Size:       size,
			Attributes: attrs,
			AccessTime: atime,
			CreateTime: ctime,
			WriteTime:  mtime,
		})
	}
	return entries, nil
}

func parseFindEpoch(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func (s *Session) GetFile(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := s.m.backend.cli.CopyFromContainer(ctx, s.m.containerID, path)
	if err != nil {
		return nil, leeterrors.NewSessionError(fmt.Sprintf("copy from container failed for %s", path), false, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, leeterrors.NewSessionError("malformed tar stream from docker copy", false, err)
	}
	return io.ReadAll(tr)
}

func (s *Session) PutFile(ctx context.Context, path string, content []byte, overwrite bool) error {
	if isRootOnlyPath(path) {
		return leeterrors.NewCommandError(fmt.Sprintf("%s is a root-only path", path), nil)
	}
	if !overwrite {
		if exists, err := s.Exists(ctx, path); err != nil {
			return err
		} else if exists {
			return leeterrors.NewSessionError(fmt.Sprintf("%s already exists", path), false, nil)
		}
	}

	idx := strings.LastIndex(path, "/")
	dir := path[:idx+1]
	base := path[idx+1:]

	if dir != "" && dir != "/" {
		if _, err := s.exec(ctx, []string{"mkdir", "-p", strings.TrimSuffix(dir, "/")}); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: base, Mode: 0o644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		return leeterrors.NewSessionError("building tar header failed", false, err)
	}
	if _, err := tw.Write(content); err != nil {
		return leeterrors.NewSessionError("writing tar content failed", false, err)
	}
	if err := tw.Close(); err != nil {
		return leeterrors.NewSessionError("closing tar stream failed", false, err)
	}

	err := s.m.backend.cli.CopyToContainer(ctx, s.m.containerID, dir, &buf, types.CopyToContainerOptions{})
	if err != nil {
		return leeterrors.NewSessionError(fmt.Sprintf("copy to container failed for %s", path), false, err)
	}
	return nil
}

func (s *Session) DeleteFile(ctx context.Context, path string) error {
	_, err := s.exec(ctx, []string{"rm", "-rf", path})
	return err
}

// isRootOnlyPath reports whether path names only the filesystem root
// itself (e.g. "", "/", "///") with nothing beneath it to inspect or
// create.
func isRootOnlyPath(path string) bool {
	return strings.Trim(path, "/") == ""
}

func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	if isRootOnlyPath(path) {
		return false, leeterrors.NewCommandError(fmt.Sprintf("%s is a root-only path", path), nil)
	}
	testFlag := "-e"
	testPath := path
	if strings.HasSuffix(path, "/") {
		testFlag = "-d"
		testPath = strings.TrimSuffix(path, "/")
	}
	_, err := s.exec(ctx, []string{"test", testFlag, testPath})
	if err != nil {
		if _, ok := leeterrors.AsCommandError(err); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Session) MakeDir(ctx context.Context, path string, recursive bool) error {
	if isRootOnlyPath(path) {
		return leeterrors.NewCommandError(fmt.Sprintf("%s is a root-only path", path), nil)
	}
	cmd := []string{"mkdir"}
	if recursive {
		cmd = append(cmd, "-p")
	}
	cmd = append(cmd, path)
	_, err := s.exec(ctx, cmd)
	return err
}

func (s *Session) StartProcess(ctx context.Context, cmd string, cwd string, background bool) (string, error) {
	if background {
		execCfg := types.ExecConfig{Cmd: []string{"sh", "-c", cmd}, WorkingDir: cwd}
		created, err := s.m.backend.cli.ContainerExecCreate(ctx, s.m.containerID, execCfg)
		if err != nil {
			return "", leeterrors.NewCommandError("starting process failed", err)
		}
		if err := s.m.backend.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true}); err != nil {
			return "", leeterrors.NewCommandError("starting process failed", err)
		}
		return "", nil
	}

	full := cmd
	if cwd != "" {
		full = fmt.Sprintf("cd %s && %s", cwd, cmd)
	}
	return s.exec(ctx, []string{"sh", "-c", full})
}
