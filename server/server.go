// Package server implements the top-level Server and its Builder of
// spec §4.10: binds the listening socket, constructs every shared
// component, runs the accept loop and optional admin endpoint, and
// drives the shutdown sequence.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratumd/stratumd/admin"
	"github.com/stratumd/stratumd/ban"
	"github.com/stratumd/stratumd/handler"
	"github.com/stratumd/stratumd/idalloc"
	"github.com/stratumd/stratumd/internal/util"
	"github.com/stratumd/stratumd/miner"
	"github.com/stratumd/stratumd/router"
	"github.com/stratumd/stratumd/sessionlist"
)

// shutdownBackoff is the drain-wait schedule of spec §4.10 step 2.
var shutdownBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 64 * time.Second,
}

// GlobalTask is a user-registered background task owned by the
// server; it receives the per-connection state factory's companion
// global-vars map and the SessionList, and runs until it returns or
// the server's cancellation token fires (spec §4.10 "global").
type GlobalTask func(ctx context.Context, globalVars map[string]interface{}, sessions *sessionlist.SessionList) error

// Builder accumulates a Server's construction parameters.
type Builder struct {
	host              string
	port              int
	adminHost         string
	adminPort         int
	adminEnabled      bool
	maxConnections    int
	proxyProtocol     bool
	varDiff           miner.VarDiffConfig
	banCfg            miner.BanConfig
	banManagerCfg     ban.Config
	initialDifficulty func() uint64
	initialState      func() interface{}
	activeTimeout     time.Duration
	shutdownPayload   []byte
	parentCtx         context.Context

	routes      map[string]router.Handler
	globalTasks map[string]GlobalTask
	globalVars  map[string]interface{}
}

// NewBuilder returns a Builder with the framework's defaults.
func NewBuilder() *Builder {
	return &Builder{
		host:          "0.0.0.0",
		port:          3333,
		activeTimeout: 10 * time.Minute,
		banCfg:        miner.BanConfig{CheckThreshold: 500, InvalidPercent: 50},
		banManagerCfg: ban.Config{Enabled: true, DefaultDuration: 30 * time.Minute},
		parentCtx:     context.Background(),
		routes:        make(map[string]router.Handler),
		globalTasks:   make(map[string]GlobalTask),
		globalVars:    make(map[string]interface{}),
	}
}

func (b *Builder) Listen(host string, port int) *Builder {
	b.host, b.port = host, port
	return b
}

func (b *Builder) Admin(host string, port int) *Builder {
	b.adminHost, b.adminPort, b.adminEnabled = host, port, true
	return b
}

func (b *Builder) MaxConnections(n int) *Builder {
	b.maxConnections = n
	return b
}

func (b *Builder) ProxyProtocol(enabled bool) *Builder {
	b.proxyProtocol = enabled
	return b
}

func (b *Builder) VarDiff(cfg miner.VarDiffConfig) *Builder {
	b.varDiff = cfg
	return b
}

func (b *Builder) BanScoring(cfg miner.BanConfig) *Builder {
	b.banCfg = cfg
	return b
}

func (b *Builder) BanManager(cfg ban.Config) *Builder {
	b.banManagerCfg = cfg
	return b
}

func (b *Builder) InitialDifficulty(f func() uint64) *Builder {
	b.initialDifficulty = f
	return b
}

func (b *Builder) InitialState(f func() interface{}) *Builder {
	b.initialState = f
	return b
}

func (b *Builder) ActiveTimeout(d time.Duration) *Builder {
	b.activeTimeout = d
	return b
}

func (b *Builder) ShutdownPayload(payload []byte) *Builder {
	b.shutdownPayload = payload
	return b
}

// ImportCancellationToken lets the caller supply the server's root
// context (e.g. one already wired to an OS signal handler) instead of
// background().
func (b *Builder) ImportCancellationToken(ctx context.Context) *Builder {
	b.parentCtx = ctx
	return b
}

// Add registers a method route. Must be called before Start.
func (b *Builder) Add(method string, h router.Handler) *Builder {
	b.routes[method] = h
	return b
}

// Global registers a background task owned by the server.
func (b *Builder) Global(name string, task GlobalTask) *Builder {
	b.globalTasks[name] = task
	return b
}

// GlobalVar seeds one entry of the global-vars snapshot handlers read.
func (b *Builder) GlobalVar(name string, v interface{}) *Builder {
	b.globalVars[name] = v
	return b
}

// Server is the built, runnable framework instance.
type Server struct {
	listener  net.Listener
	cfg       *Builder
	rootCtx   context.Context
	rootCancel context.CancelFunc

	sessions *sessionlist.SessionList
	bans     *ban.Manager
	ids      *idalloc.Allocator
	router   *router.Router
	admin    *admin.Server

	log interface {
		Infow(string, ...interface{})
		Warnw(string, ...interface{})
		Errorw(string, ...interface{})
	}
}

// Build binds the listener and constructs the SessionList, BanManager,
// IDAllocator, Router, and optional admin endpoint (spec §4.10). The
// Builder itself is kept as the server's configuration; no separate
// config snapshot is built.
func (b *Builder) Build() (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", b.host, b.port))
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s:%d: %w", b.host, b.port, err)
	}

	rootCtx, rootCancel := context.WithCancel(b.parentCtx)

	r := router.New()
	for method, h := range b.routes {
		if regErr := r.Register(method, h); regErr != nil {
			rootCancel()
			_ = ln.Close()
			return nil, fmt.Errorf("server: register %q: %w", method, regErr)
		}
	}
	r.Start()

	s := &Server{
		listener:   ln,
		cfg:        b,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sessions:   sessionlist.New(b.maxConnections),
		bans:       ban.New(rootCtx, b.banManagerCfg),
		ids:        idalloc.NewAllocator(0),
		router:     r,
		log:        util.Named("server"),
	}

	if b.adminEnabled {
		s.admin = admin.New(fmt.Sprintf("%s:%d", b.adminHost, b.adminPort), s.bans)
	}

	return s, nil
}

// Start runs the accept loop and (optionally) the admin endpoint
// concurrently via an errgroup, then drives the shutdown sequence once
// the root context is cancelled (spec §4.10).
func (s *Server) Start() error {
	group, ctx := errgroup.WithContext(s.rootCtx)

	go s.watchSignals(ctx)

	group.Go(func() error {
		s.acceptLoop(ctx)
		return nil
	})

	var globalErrs errgroup.Group
	for name, task := range s.cfg.globalTasks {
		name, task := name, task
		globalErrs.Go(func() error {
			if err := task(ctx, s.cfg.globalVars, s.sessions); err != nil {
				s.log.Errorw("global task exited with error", "name", name, "error", err)
			}
			return nil
		})
	}

	if s.admin != nil {
		s.admin.SetReady(true)
		group.Go(func() error {
			return s.admin.Start(ctx)
		})
	}

	<-ctx.Done()
	s.shutdown()

	if err := globalErrs.Wait(); err != nil {
		s.log.Errorw("global tasks finished with error", "error", err)
	}

	return group.Wait()
}

// Shutdown cancels the server's root token, beginning the shutdown
// sequence from any goroutine.
func (s *Server) Shutdown() {
	s.rootCancel()
}

// watchSignals is the server's own signal-watcher task (spec §5, §6):
// SIGTERM/SIGINT/SIGQUIT each initiate a normal shutdown; SIGHUP is
// observed but does not trigger one. Callers don't need to wire signal
// handling themselves; ImportCancellationToken remains available for
// programmatic cancellation alongside it.
func (s *Server) watchSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if sig == syscall.SIGHUP {
				s.log.Infow("received SIGHUP, ignoring")
				continue
			}
			s.log.Infow("received shutdown signal", "signal", sig.String())
			s.rootCancel()
			return
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warnw("accept error", "error", err)
				return
			}
		}

		h := handler.New(handler.Deps{
			Bans:          s.bans,
			Sessions:      s.sessions,
			IDs:           s.ids,
			Router:        s.router,
			GlobalVars:    func() map[string]interface{} { return s.cfg.globalVars },
			NewState:      s.cfg.initialState,
			ProxyProtocol: s.cfg.proxyProtocol,
			ActiveTimeout: s.cfg.activeTimeout,
			InitialDiff:   s.cfg.initialDifficulty,
			VarDiff:       s.cfg.varDiff,
			Ban:           s.cfg.banCfg,
			WriterQueue:   256,
		})

		go h.Run(ctx, conn)
	}
}

// shutdown implements spec §4.10's shutdown phase: optional broadcast,
// exponential-backoff drain wait, force shutdown_all on cap, done.
func (s *Server) shutdown() {
	if s.cfg.shutdownPayload != nil {
		s.sessions.BroadcastRaw(s.cfg.shutdownPayload)
	}

	for _, wait := range shutdownBackoff {
		if s.sessions.IsEmpty() {
			return
		}
		time.Sleep(wait)
	}

	if !s.sessions.IsEmpty() {
		s.log.Warnw("forcing shutdown of remaining sessions", "count", s.sessions.Len())
		s.sessions.ShutdownAll()
	}
}

// Sessions exposes the live session table, e.g. for an embedding
// binary's own diagnostics.
func (s *Server) Sessions() *sessionlist.SessionList { return s.sessions }

// Bans exposes the ban manager.
func (s *Server) Bans() *ban.Manager { return s.bans }
