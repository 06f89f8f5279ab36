// Package session implements the per-connection Session described by
// spec §4.6: messaging, lifecycle, worker registry, difficulty
// facades, and connection info, wrapping a miner.Miner and a
// connection.Writer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/stratumd/stratumd/connection"
	"github.com/stratumd/stratumd/difficulty"
	"github.com/stratumd/stratumd/idalloc"
	"github.com/stratumd/stratumd/miner"
)

// Status is the session's lifecycle state.
type Status int

const (
	Active Status = iota
	Disconnected
)

// ErrSessionClosed is returned by Send/SendRaw once the session has
// been disconnected or timed out.
var ErrSessionClosed = errors.New("session: closed")

// agentPrefixes and longTimeoutPrefixes drive SetClient's inference of
// is_agent/is_long_timeout from the client string (spec §4.6).
var (
	agentPrefixes       = []string{"cpuminer", "nicehash", "sgminer"}
	longTimeoutPrefixes = []string{"nicehash"}
)

// Worker is one registered worker name under a session (spec §4.6
// "register_worker"). ClientID is an opaque caller-supplied handle
// (e.g. a downstream connection id in a proxy topology).
type Worker struct {
	Name     string
	ClientID string
}

// Info is the connection-info snapshot returned by GetConnectionInfo.
type Info struct {
	IP            string
	SessionID     idalloc.SessionID
	Client        string
	IsAgent       bool
	IsLongTimeout bool
	Authorized    bool
	Subscribed    bool
}

// infoBlock groups the fields SetClient/authorize/subscribe mutate
// together under one lock, per spec §9.
type infoBlock struct {
	mu            sync.RWMutex
	client        string
	isAgent       bool
	isLongTimeout bool
	authorized    bool
	subscribed    bool
}

// Session is one connected miner's server-side state.
type Session struct {
	id        idalloc.SessionID
	peerAddr  string
	state     interface{} // user-provided per-connection state (spec §4.6 "state()")
	miner     *miner.Miner
	writer    *connection.Writer
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	activeTimeout time.Duration

	statusMu sync.Mutex
	status   Status
	needsBan bool

	lastActiveMu sync.Mutex
	lastActive   time.Time

	info infoBlock

	workersMu sync.RWMutex
	workers   map[idalloc.SessionID]Worker
}

// Config carries the per-session construction parameters the Handler
// assembles from the server's snapshot and the allocator.
type Config struct {
	ID            idalloc.SessionID
	PeerAddr      string
	State         interface{}
	Writer        *connection.Writer
	ParentCtx     context.Context
	ActiveTimeout time.Duration
	InitialDiff   difficulty.Difficulty
	VarDiff       miner.VarDiffConfig
	Ban           miner.BanConfig
}

// New constructs a Session with its own cancellation token, a child of
// ParentCtx (spec §5 "hierarchical cancellation token tree").
func New(cfg Config) *Session {
	ctx, cancel := context.WithCancel(cfg.ParentCtx)
	now := time.Now()
	return &Session{
		id:            cfg.ID,
		peerAddr:      cfg.PeerAddr,
		state:         cfg.State,
		miner:         miner.New(cfg.InitialDiff, cfg.VarDiff, cfg.Ban),
		writer:        cfg.Writer,
		ctx:           ctx,
		cancel:        cancel,
		startedAt:     now,
		activeTimeout: cfg.ActiveTimeout,
		lastActive:    now,
		workers:       make(map[idalloc.SessionID]Worker),
	}
}

// Context returns the session's own cancellation context, a child of
// the server/handler context it was constructed with.
func (s *Session) Context() context.Context { return s.ctx }

// Miner exposes the embedded share/vardiff/ban-scoring state.
func (s *Session) Miner() *miner.Miner { return s.miner }

// ID returns the session's allocated identifier (spec §4.6 "id()").
func (s *Session) ID() idalloc.SessionID { return s.id }

// GetSessionID is an alias matching the source's accessor naming.
func (s *Session) GetSessionID() idalloc.SessionID { return s.id }

// IP returns the effective peer address (post PROXY-protocol
// substitution, if any).
func (s *Session) IP() string { return s.peerAddr }

// State returns the user-provided per-connection state.
func (s *Session) State() interface{} { return s.state }

// touchActive resets last_active, called on every successfully
// processed inbound frame (spec §4.6).
func (s *Session) touchActive() {
	s.lastActiveMu.Lock()
	s.lastActive = time.Now()
	s.lastActiveMu.Unlock()
}

// Active marks the session as having just processed a valid frame.
// Named to mirror the spec's "session's active() is called."
func (s *Session) Active() { s.touchActive() }

func (s *Session) activityTimedOut() bool {
	if s.activeTimeout <= 0 {
		return false
	}
	s.lastActiveMu.Lock()
	last := s.lastActive
	s.lastActiveMu.Unlock()
	return time.Since(last) > s.activeTimeout
}

// Send JSON-marshals v and enqueues it to the writer task. Before
// enqueueing it checks the activity timeout: if exceeded, it flags the
// session for ban and returns an error without writing (spec §4.6).
func (s *Session) Send(v interface{}) error {
	if s.IsDisconnected() {
		return ErrSessionClosed
	}
	if s.activityTimedOut() {
		s.Ban()
		return ErrSessionClosed
	}
	item, err := connection.SendJSON(v)
	if err != nil {
		return err
	}
	if err := s.writer.Enqueue(item); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// SendRaw enqueues a raw byte payload, subject to the same checks as Send.
func (s *Session) SendRaw(b []byte) error {
	if s.IsDisconnected() {
		return ErrSessionClosed
	}
	if s.activityTimedOut() {
		s.Ban()
		return ErrSessionClosed
	}
	if err := s.writer.Enqueue(connection.SendRaw(b)); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// Disconnect marks the session Disconnected; the Handler observes this
// on its next loop iteration and proceeds to cleanup.
func (s *Session) Disconnect() {
	s.statusMu.Lock()
	s.status = Disconnected
	s.statusMu.Unlock()
}

// Shutdown marks the session Disconnected and cancels its token,
// causing the writer task and any waiters to exit immediately.
func (s *Session) Shutdown() {
	s.Disconnect()
	s.cancel()
}

// Ban flags the session for ban action (acted on by the Handler at
// cleanup time) and shuts it down.
func (s *Session) Ban() {
	s.statusMu.Lock()
	s.needsBan = true
	s.statusMu.Unlock()
	s.Shutdown()
}

// IsDisconnected reports whether the session has been disconnected or
// shut down.
func (s *Session) IsDisconnected() bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status == Disconnected
}

// NeedsBan reports whether Ban() was called, or the embedded Miner
// flagged this session's share ratio for ban (spec §4.4/§4.6).
func (s *Session) NeedsBan() bool {
	s.statusMu.Lock()
	flagged := s.needsBan
	s.statusMu.Unlock()
	return flagged || s.miner.NeedsBan()
}

// RegisterWorker adds a worker under this session.
func (s *Session) RegisterWorker(sessionID idalloc.SessionID, clientID, name string) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	s.workers[sessionID] = Worker{Name: name, ClientID: clientID}
}

// UnregisterWorker removes a previously registered worker.
func (s *Session) UnregisterWorker(sessionID idalloc.SessionID) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	delete(s.workers, sessionID)
}

// GetWorkerBySessionID looks up a registered worker.
func (s *Session) GetWorkerBySessionID(sessionID idalloc.SessionID) (Worker, bool) {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	w, ok := s.workers[sessionID]
	return w, ok
}

// MinerList returns every currently registered worker.
func (s *Session) MinerList() []Worker {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	out := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// SetDifficulty forces the embedded miner's current difficulty.
func (s *Session) SetDifficulty(d difficulty.Difficulty) {
	s.miner.SetDifficulty(d)
}

// UpdateDifficulty shifts any pending difficulty change and returns
// the new current value.
func (s *Session) UpdateDifficulty() (difficulty.Difficulty, bool) {
	return s.miner.UpdateDifficulty()
}

// Difficulties returns the embedded miner's difficulty triple.
func (s *Session) Difficulties() *difficulty.Triple {
	return s.miner.Difficulties()
}

// SetClient records the client string and infers is_agent/
// is_long_timeout from prefix matches (spec §4.6).
func (s *Session) SetClient(client string) {
	lower := strings.ToLower(client)

	s.info.mu.Lock()
	defer s.info.mu.Unlock()
	s.info.client = client
	s.info.isAgent = hasAnyPrefix(lower, agentPrefixes)
	s.info.isLongTimeout = hasAnyPrefix(lower, longTimeoutPrefixes)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// GetConnectionInfo returns a snapshot of the session's info fields.
func (s *Session) GetConnectionInfo() Info {
	s.info.mu.RLock()
	defer s.info.mu.RUnlock()
	return Info{
		IP:            s.peerAddr,
		SessionID:     s.id,
		Client:        s.info.client,
		IsAgent:       s.info.isAgent,
		IsLongTimeout: s.info.isLongTimeout,
		Authorized:    s.info.authorized,
		Subscribed:    s.info.subscribed,
	}
}

// Authorized reports whether Authorize has been called.
func (s *Session) Authorized() bool {
	s.info.mu.RLock()
	defer s.info.mu.RUnlock()
	return s.info.authorized
}

// Authorize marks the session authorized.
func (s *Session) Authorize() {
	s.info.mu.Lock()
	s.info.authorized = true
	s.info.mu.Unlock()
}

// Subscribed reports whether Subscribe has been called.
func (s *Session) Subscribed() bool {
	s.info.mu.RLock()
	defer s.info.mu.RUnlock()
	return s.info.subscribed
}

// Subscribe marks the session subscribed.
func (s *Session) Subscribe() {
	s.info.mu.Lock()
	s.info.subscribed = true
	s.info.mu.Unlock()
}

// IsAgent reports whether SetClient inferred an agent client.
func (s *Session) IsAgent() bool {
	s.info.mu.RLock()
	defer s.info.mu.RUnlock()
	return s.info.isAgent
}

// Timeout computes the per-read deadline the Handler uses, per spec
// §4.6: one week for long-timeout clients, ten minutes once subscribed
// and authorized, else fifteen seconds.
func (s *Session) Timeout() time.Duration {
	s.info.mu.RLock()
	defer s.info.mu.RUnlock()

	switch {
	case s.info.isLongTimeout:
		return 7 * 24 * time.Hour
	case s.info.subscribed && s.info.authorized:
		return 10 * time.Minute
	default:
		return 15 * time.Second
	}
}

// MarshalState is a convenience for handlers that want to serialize
// the connection info as JSON (e.g. for the admin endpoint).
func (s *Session) MarshalState() ([]byte, error) {
	return json.Marshal(s.GetConnectionInfo())
}
