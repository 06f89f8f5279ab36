// Package sessionlist implements the session table of spec §4.7: a
// concurrency-safe map from peer address to *session.Session with no
// cross-session ordering guarantees.
package sessionlist

import (
	"sync"

	"github.com/stratumd/stratumd/internal/util"
	"github.com/stratumd/stratumd/session"
)

// SessionList holds every currently live session, keyed by peer socket
// address.
type SessionList struct {
	maxConnections int // 0 means unlimited

	mu       sync.RWMutex
	sessions map[string]*session.Session

	log interface {
		Warnw(string, ...interface{})
	}
}

// New constructs an empty SessionList. maxConnections of 0 means no cap.
func New(maxConnections int) *SessionList {
	return &SessionList{
		maxConnections: maxConnections,
		sessions:       make(map[string]*session.Session),
		log:            util.Named("sessionlist"),
	}
}

// Add registers a session under addr.
func (l *SessionList) Add(addr string, s *session.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[addr] = s
}

// Remove removes the session registered under addr, if any.
func (l *SessionList) Remove(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, addr)
}

// GetAll returns a snapshot of every currently live session.
func (l *SessionList) GetAll() []*session.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*session.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (l *SessionList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// IsEmpty reports whether there are no live sessions.
func (l *SessionList) IsEmpty() bool {
	return l.Len() == 0
}

// IsFull reports whether a max_connections cap is set and has been
// reached.
func (l *SessionList) IsFull() bool {
	if l.maxConnections <= 0 {
		return false
	}
	return l.Len() >= l.maxConnections
}

// BroadcastRaw sends a raw frame to every live session, logging but
// not aborting on a per-session send failure.
func (l *SessionList) BroadcastRaw(payload []byte) {
	for _, s := range l.GetAll() {
		if err := s.SendRaw(payload); err != nil {
			l.log.Warnw("broadcast send failed", "peer", s.IP(), "error", err)
		}
	}
}

// ShutdownAll invokes Shutdown() on every live session.
func (l *SessionList) ShutdownAll() {
	for _, s := range l.GetAll() {
		s.Shutdown()
	}
}

