// Package handler implements the per-connection orchestrator of spec
// §4.9: a small state machine that takes a raw net.Conn from Accept
// through optional PROXY-protocol parsing, ban check, session
// construction, and the read/dispatch loop, to cleanup.
package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/stratumd/stratumd/ban"
	"github.com/stratumd/stratumd/connection"
	"github.com/stratumd/stratumd/difficulty"
	"github.com/stratumd/stratumd/idalloc"
	"github.com/stratumd/stratumd/internal/util"
	"github.com/stratumd/stratumd/miner"
	"github.com/stratumd/stratumd/router"
	"github.com/stratumd/stratumd/session"
	"github.com/stratumd/stratumd/sessionlist"
)

// Deps bundles everything the Handler needs from the server besides
// the raw connection: the shared ban manager, session table, id
// allocator, router, and per-session tunables.
type Deps struct {
	Bans        *ban.Manager
	Sessions    *sessionlist.SessionList
	IDs         *idalloc.Allocator
	Router      *router.Router
	GlobalVars  func() map[string]interface{}
	NewState    func() interface{}

	ProxyProtocol bool
	ActiveTimeout time.Duration
	InitialDiff   func() uint64
	VarDiff       miner.VarDiffConfig
	Ban           miner.BanConfig
	WriterQueue   int
}

// Handler drives one accepted connection through its whole lifecycle.
type Handler struct {
	deps Deps
	log  interface {
		Infow(string, ...interface{})
		Warnw(string, ...interface{})
		Errorw(string, ...interface{})
	}
}

// New constructs a Handler bound to the given dependencies.
func New(deps Deps) *Handler {
	return &Handler{deps: deps, log: util.Named("handler")}
}

// Run executes the state machine of spec §4.9 for one accepted
// connection, blocking until the connection is fully cleaned up.
// serverCtx is the server-wide cancellation token.
func (h *Handler) Run(serverCtx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.New()
	peerAddr := conn.RemoteAddr().String()
	bufReader := bufio.NewReader(conn)

	if h.deps.ProxyProtocol {
		preface, err := connection.ReadProxyPreface(bufReader)
		if err != nil {
			h.log.Warnw("proxy protocol preface rejected", "conn_id", connID, "peer", peerAddr, "error", err)
			return
		}
		peerAddr = preface.SrcAddr
	}

	if err := h.deps.Bans.CheckBanned(ban.NewIPKey(hostOf(peerAddr))); err != nil {
		h.log.Infow("connection rejected: banned", "conn_id", connID, "peer", peerAddr)
		return
	}
	if h.deps.Sessions.IsFull() {
		h.log.Infow("connection rejected: session list full", "conn_id", connID, "peer", peerAddr)
		return
	}

	sessionID, err := h.deps.IDs.Allocate()
	if err != nil {
		h.log.Warnw("connection rejected: session ids exhausted", "conn_id", connID, "peer", peerAddr)
		return
	}

	writer := connection.NewWriter(conn, h.deps.WriterQueue)
	sessCtx, sessCancel := context.WithCancel(serverCtx)
	defer sessCancel()

	var state interface{}
	if h.deps.NewState != nil {
		state = h.deps.NewState()
	}

	initial := uint64(1)
	if h.deps.InitialDiff != nil {
		initial = h.deps.InitialDiff()
	}

	sess := session.New(session.Config{
		ID:            sessionID,
		PeerAddr:      peerAddr,
		State:         state,
		Writer:        writer,
		ParentCtx:     sessCtx,
		ActiveTimeout: h.deps.ActiveTimeout,
		InitialDiff:   difficulty.New(initial),
		VarDiff:       h.deps.VarDiff,
		Ban:           h.deps.Ban,
	})

	writerDone := make(chan struct{})
	go func() {
		writer.Run(sess.Context())
		close(writerDone)
	}()

	h.deps.Sessions.Add(peerAddr, sess)
	h.log.Infow("session established", "conn_id", connID, "peer", peerAddr, "session_id", sess.ID())

	h.messageLoop(serverCtx, sess, conn, bufReader)

	h.cleanup(peerAddr, sess, writer, writerDone)
}

// messageLoop implements the InMessageLoop/ReadFrame states of spec
// §4.9. Each iteration arms conn's read deadline from session.Timeout()
// before reading, so an elapsed per-read deadline surfaces as a
// net.Error with Timeout() true. Cancellation (either token) is
// delivered the same way: a watcher goroutine forces the deadline into
// the past the moment either context is done, unblocking whatever read
// is in flight.
func (h *Handler) messageLoop(serverCtx context.Context, sess *session.Session, conn net.Conn, bufReader *bufio.Reader) {
	reader := connection.NewFrameReader(bufReader)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-serverCtx.Done():
		case <-sess.Context().Done():
		case <-stopWatch:
			return
		}
		conn.SetReadDeadline(time.Unix(0, 1))
	}()

	for {
		if sess.IsDisconnected() {
			return
		}

		conn.SetReadDeadline(time.Now().Add(sess.Timeout()))
		frame, err := reader.ReadFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			if errors.Is(err, connection.ErrNoMoreFrames) {
				h.log.Infow("peer closed connection", "peer", sess.IP())
			} else if errors.Is(err, connection.ErrPeerReset) {
				h.log.Infow("peer reset connection", "peer", sess.IP())
			} else {
				h.log.Errorw("frame read error", "peer", sess.IP(), "error", err)
			}
			return
		}

		sess.Active()
		result, callErr := h.deps.Router.Call(frame, sess.State(), sess, h.globalVars())
		if callErr != nil {
			sess.Disconnect()
			return
		}
		if result != nil {
			if sendErr := sess.Send(response{ID: frame.ID, Result: result}); sendErr != nil {
				return
			}
		}
	}
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

func (h *Handler) globalVars() map[string]interface{} {
	if h.deps.GlobalVars == nil {
		return nil
	}
	return h.deps.GlobalVars()
}

// cleanup implements spec §4.9's Cleanup state: remove from
// SessionList, release the session id, apply a ban if flagged, shut
// the session down, and await the writer task.
func (h *Handler) cleanup(peerAddr string, sess *session.Session, writer *connection.Writer, writerDone <-chan struct{}) {
	h.deps.Sessions.Remove(peerAddr)
	h.deps.IDs.Release(sess.ID())

	if sess.NeedsBan() {
		h.deps.Bans.Add(ban.NewIPKey(hostOf(peerAddr)))
	}

	sess.Shutdown()
	writer.Close()
	<-writerDone
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
