// Package wsremote is a reference Backend implementation that bridges
// to endpoints over a single persistent WebSocket per machine: a
// single-writer writeChan goroutine plus a readPump with ping/pong
// keep-alive, grounded directly on docker-agent's writePump/readPump
// in original _teacher_ref/docker_agent_main.go and the per-connection
// send channel of agent_hub.go. Every remote call is a
// request/response pair correlated by a generated call ID, queued
// onto the connection's single writer and resolved by the reader
// loop.
package wsremote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	leeterrors "github.com/jldantas/leet/internal/errors"
	"github.com/jldantas/leet/internal/job"
	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	callTimeout    = 30 * time.Second
)

// call is an in-flight request awaiting its reply.
type call struct {
	resp chan wireMessage
}

// wireMessage is the envelope exchanged over the socket.
type wireMessage struct {
	CallID   string          `json:"call_id"`
	Type     string          `json:"type"`
	Hostname string          `json:"hostname,omitempty"`
	Op       string          `json:"op,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	OK       bool            `json:"ok,omitempty"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Backend maintains one WebSocket connection per known endpoint and
// dispatches session operations over it.
type Backend struct {
	name        string
	maxSessions int
	dialer      *websocket.Dialer
	url         func(hostname string) string

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a wsremote Backend named name. urlFor builds the
// connect URL for a given hostname (e.g. a lookup into a known
// endpoint registry); concrete deployments supply this based on their
// own discovery mechanism.
func New(name string, maxSessions int, urlFor func(hostname string) string) *Backend {
	return &Backend{
		name:        name,
		maxSessions: maxSessions,
		dialer:      websocket.DefaultDialer,
		url:         urlFor,
		conns:       make(map[string]*conn),
	}
}

func (b *Backend) Name() string     { return b.name }
func (b *Backend) MaxSessions() int { return b.maxSessions }

func (b *Backend) Start(ctx context.Context) error { return nil }

func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.close()
	}
	b.conns = make(map[string]*conn)
	return nil
}

// Search dials (or reuses) a connection for each requested hostname
// and, on success, reports it as found. A dial failure simply skips
// that hostname rather than failing the whole search.
func (b *Backend) Search(ctx context.Context, req *job.SearchRequest, onComplete func()) {
	defer onComplete()

	var found []machine.Machine
	for _, h := range req.Hostnames {
		c, err := b.connFor(h)
		if err != nil {
			log.Debug().Err(err).Str("hostname", h).Str("backend", b.name).Msg("dial failed during search")
			continue
		}
		found = append(found, &Machine{backend: b, hostname: h, conn: c, lastCheckin: time.Now().Unix()})
	}
	req.AddFound(found...)
}

func (b *Backend) connFor(hostname string) (*conn, error) {
	b.mu.Lock()
	if c, ok := b.conns[hostname]; ok && c.alive() {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	ws, _, err := b.dialer.Dial(b.url(hostname), nil)
	if err != nil {
		return nil, leeterrors.NewSessionError(fmt.Sprintf("dial %s failed", hostname), true, err)
	}

	c := newConn(ws)
	go c.writePump()
	go c.readPump()

	b.mu.Lock()
	b.conns[hostname] = c
	b.mu.Unlock()
	return c, nil
}

// conn wraps one WebSocket connection with the single-writer pattern:
// all writes funnel through writeChan, read replies are routed to the
// waiting caller by call ID.
type conn struct {
	ws        *websocket.Conn
	writeChan chan []byte
	stop      chan struct{}

	mu      sync.Mutex
	pending map[string]*call
	closed  bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:        ws,
		writeChan: make(chan []byte, 64),
		stop:      make(chan struct{}),
		pending:   make(map[string]*call),
	}
}

func (c *conn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stop)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.writeChan:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Msg("wsremote write error")
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("wsremote ping error")
			}
		case <-c.stop:
			return
		}
	}
}

func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("wsremote read error")
			}
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		if waiting, ok := c.pending[msg.CallID]; ok {
			delete(c.pending, msg.CallID)
			c.mu.Unlock()
			waiting.resp <- msg
		} else {
			c.mu.Unlock()
		}
	}
}

// roundTrip sends op/args and blocks for the correlated reply, or
// times out / observes connection loss.
func (c *conn) roundTrip(ctx context.Context, op string, args interface{}) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, leeterrors.NewCommandError("encoding request failed", err)
	}

	id := uuid.New().String()
	out := wireMessage{CallID: id, Type: "request", Op: op, Args: argsJSON}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, leeterrors.NewCommandError("encoding envelope failed", err)
	}

	ch := make(chan wireMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, leeterrors.NewSessionError("connection closed", true, nil)
	}
	c.pending[id] = &call{resp: ch}
	c.mu.Unlock()

	select {
	case c.writeChan <- payload:
	case <-c.stop:
		return nil, leeterrors.NewSessionError("connection closed", true, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case msg := <-ch:
		if !msg.OK {
			return nil, leeterrors.NewCommandError(msg.Error, nil)
		}
		return msg.Result, nil
	case <-c.stop:
		return nil, leeterrors.NewSessionError("connection closed mid-call", true, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(callTimeout):
		return nil, leeterrors.NewCommandError(fmt.Sprintf("%s timed out", op), nil)
	}
}

// Machine is a remote endpoint reachable over its persistent
// WebSocket connection.
type Machine struct {
	backend     *Backend
	hostname    string
	conn        *conn
	lastCheckin int64
}

func (m *Machine) Hostname() string       { return m.hostname }
func (m *Machine) BackendName() string    { return m.backend.name }
func (m *Machine) OSType() machine.OSType { return machine.OSUnknown }
func (m *Machine) Drives() []string       { return nil }
func (m *Machine) LastCheckin() int64     { return m.lastCheckin }
func (m *Machine) CanConnect() bool       { return m.conn.alive() }

func (m *Machine) Refresh(ctx context.Context) error {
	if !m.conn.alive() {
		c, err := m.backend.connFor(m.hostname)
		if err != nil {
			return err
		}
		m.conn = c
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

// Session issues request/response calls over the machine's
// connection.
type Session struct{ m *Machine }

func (s *Session) PathSeparator() string { return s.m.OSType().PathSeparator() }
func (s *Session) Close() error          { return nil }

func (s *Session) ListProcesses(ctx context.Context) ([]session.ProcessRow, error) {
	raw, err := s.m.conn.roundTrip(ctx, "list_processes", nil)
	if err != nil {
		return nil, err
	}
	var rows []session.ProcessRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, leeterrors.NewCommandError("decoding list_processes reply failed", err)
	}
	return rows, nil
}

func (s *Session) ListDir(ctx context.Context, path string) ([]session.DirEntry, error) {
	raw, err := s.m.conn.roundTrip(ctx, "list_dir", map[string]string{"path": path})
	if err != nil {
		return nil, err
	}
	var entries []session.DirEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, leeterrors.NewCommandError("decoding list_dir reply failed", err)
	}
	return entries, nil
}

func (s *Session) GetFile(ctx context.Context, path string) ([]byte, error) {
	raw, err := s.m.conn.roundTrip(ctx, "get_file", map[string]string{"path": path})
	if err != nil {
		return nil, err
	}
	var content []byte
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, leeterrors.NewCommandError("decoding get_file reply failed", err)
	}
	return content, nil
}

func (s *Session) PutFile(ctx context.Context, path string, content []byte, overwrite bool) error {
	_, err := s.m.conn.roundTrip(ctx, "put_file", map[string]interface{}{
		"path": path, "content": content, "overwrite": overwrite,
	})
	return err
}

func (s *Session) DeleteFile(ctx context.Context, path string) error {
	_, err := s.m.conn.roundTrip(ctx, "delete_file", map[string]string{"path": path})
	return err
}

func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	raw, err := s.m.conn.roundTrip(ctx, "exists", map[string]string{"path": path})
	if err != nil {
		return false, err
	}
	var exists bool
	if err := json.Unmarshal(raw, &exists); err != nil {
		return false, leeterrors.NewCommandError("decoding exists reply failed", err)
	}
	return exists, nil
}

func (s *Session) MakeDir(ctx context.Context, path string, recursive bool) error {
	_, err := s.m.conn.roundTrip(ctx, "make_dir", map[string]interface{}{"path": path, "recursive": recursive})
	return err
}

func (s *Session) StartProcess(ctx context.Context, cmd string, cwd string, background bool) (string, error) {
	raw, err := s.m.conn.roundTrip(ctx, "start_process", map[string]interface{}{
		"cmd": cmd, "cwd": cwd, "background": background,
	})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", leeterrors.NewCommandError("decoding start_process reply failed", err)
	}
	return out, nil
}
