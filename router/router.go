// Package router implements the method dispatch table of spec §4.8:
// handlers are registered before the server starts accepting, and
// Call looks up a frame's method, invoking the handler with a
// Request carrying user state, a global-vars snapshot, and raw params.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/stratumd/stratumd/connection"
	"github.com/stratumd/stratumd/internal/util"
	"github.com/stratumd/stratumd/session"
)

// ErrAlreadyStarted is returned by Register once the router has been
// frozen by Start.
var ErrAlreadyStarted = errors.New("router: cannot register a method after the server has started")

// Request is passed to a Handler: the frame's id and raw params, the
// user-provided per-connection state, and a snapshot of the server's
// global variables.
type Request struct {
	ID         json.RawMessage
	Method     string
	RawParams  json.RawMessage
	State      interface{}
	GlobalVars map[string]interface{}
	Session    *session.Session
}

// Params decodes RawParams into v.
func (r *Request) Params(v interface{}) error {
	if len(r.RawParams) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.RawParams, v); err != nil {
		return fmt.Errorf("router: decode params for %q: %w", r.Method, err)
	}
	return nil
}

// Handler processes one request. A non-nil error causes the Session
// to be disconnected (spec §4.8); a non-nil result is serialized into
// a {id, result} response by the caller.
type Handler func(req *Request) (interface{}, error)

// Router holds the method -> Handler table.
type Router struct {
	mu      sync.RWMutex
	routes  map[string]Handler
	started bool

	log interface {
		Infow(string, ...interface{})
		Errorw(string, ...interface{})
	}
}

// New constructs an empty Router.
func New() *Router {
	return &Router{
		routes: make(map[string]Handler),
		log:    util.Named("router"),
	}
}

// Register adds a method handler. Must be called before Start.
func (r *Router) Register(method string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.routes[method] = h
	return nil
}

// Start freezes the route table against further registration.
func (r *Router) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}

// Call looks up frame.Method and invokes its handler. Unknown methods
// are logged and dropped (no error, no response). A handler error
// causes the caller to disconnect the session; Call itself returns
// that error so the caller (the Handler) can act on it and log the
// connection id and error chain.
func (r *Router) Call(frame connection.Frame, state interface{}, sess *session.Session, globalVars map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	h, ok := r.routes[frame.Method]
	r.mu.RUnlock()

	if !ok {
		r.log.Infow("unknown method dropped", "method", frame.Method)
		return nil, nil
	}

	req := &Request{
		ID:         frame.ID,
		Method:     frame.Method,
		RawParams:  frame.Params,
		State:      state,
		GlobalVars: globalVars,
		Session:    sess,
	}

	result, err := h(req)
	if err != nil {
		r.log.Errorw("handler error, disconnecting session",
			"method", frame.Method, "session_id", sess.ID().Uint32(), "error", err)
		return nil, err
	}
	return result, nil
}
