// Package admin implements the optional HTTP surface of spec §6:
// liveness/readiness probes and a ban-list read/delete endpoint, bound
// to a separate listen address from the Stratum socket.
package admin

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/stratumd/stratumd/ban"
	"github.com/stratumd/stratumd/internal/util"
)

// bannedEntry is the JSON shape of one row in GET /banned's array.
type bannedEntry struct {
	Address string `json:"address"`
	Score   int    `json:"score"`
}

// removeBanRequest is the JSON body POST /banned expects.
type removeBanRequest struct {
	KeyVariant string `json:"key_variant"`
	Value      string `json:"value"`
}

// Server is the admin HTTP endpoint.
type Server struct {
	addr   string
	bans   *ban.Manager
	ready  atomic.Bool
	engine *gin.Engine
	srv    *http.Server
}

// New constructs an admin Server bound to addr, backed by bans for the
// /banned routes. The ready flag starts false; call SetReady(true) once
// the owning server has finished its startup sequence.
func New(addr string, bans *ban.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsAnyOriginForGET())

	s := &Server{addr: addr, bans: bans, engine: engine}
	engine.GET("/livez", s.handleLivez)
	engine.GET("/readyz", s.handleReadyz)
	engine.GET("/banned", s.handleListBanned)
	engine.POST("/banned", s.handleRemoveBan)

	return s
}

func corsAnyOriginForGET() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Header("Access-Control-Allow-Origin", "*")
		}
		c.Next()
	}
}

// SetReady toggles the readiness flag GET /readyz reports.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleLivez(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) handleReadyz(c *gin.Context) {
	if s.ready.Load() {
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusBadRequest)
}

func (s *Server) handleListBanned(c *gin.Context) {
	entries := s.bans.List()
	out := make([]bannedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, bannedEntry{Address: e.Key.Value, Score: e.Score})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRemoveBan(c *gin.Context) {
	var req removeBanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := parseKeyVariant(req.KeyVariant, req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed := s.bans.Remove(key)
	if removed == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, bannedEntry{Address: removed.Key.Value, Score: removed.Score})
}

func parseKeyVariant(variant, value string) (ban.Key, error) {
	switch variant {
	case "ip":
		return ban.NewIPKey(value), nil
	case "socket":
		return ban.NewSocketKey(value), nil
	case "account":
		return ban.NewAccountKey(value), nil
	case "worker":
		return ban.NewWorkerKey(value), nil
	default:
		return ban.Key{}, errUnknownKeyVariant(variant)
	}
}

type errUnknownKeyVariant string

func (e errUnknownKeyVariant) Error() string {
	return "admin: unknown key variant " + string(e)
}

// Start binds the listener and serves until ctx is cancelled, matching
// spec §4.10's "admin-listener failure at startup" being the only
// fatal admin-related error.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		util.Named("admin").Infow("shutting down admin endpoint")
		_ = s.srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
