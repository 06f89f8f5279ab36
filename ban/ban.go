// Package ban implements the expiring ban manager of spec §4.2: a
// concurrency-safe map of banned peer keys with accumulating score and
// extendable expiration, purged by a single background task.
package ban

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/stratumd/stratumd/internal/util"
)

// DefaultScore and DefaultDuration are applied by Add when the caller
// doesn't specify a score/duration (spec §4.2: "default score (10),
// default duration").
const (
	DefaultScore    = 10
	DefaultDuration = 30 * time.Minute
)

// KeyKind tags the variant of a BanKey, replacing the source's
// dynamically-typed key (spec §9 "Tagged variants").
type KeyKind int

const (
	IP KeyKind = iota
	Socket
	Account
	Worker
)

func (k KeyKind) String() string {
	switch k {
	case IP:
		return "ip"
	case Socket:
		return "socket"
	case Account:
		return "account"
	case Worker:
		return "worker"
	default:
		return "unknown"
	}
}

// Key identifies what is being banned: an IP, a full socket address, a
// mining account, or a single worker name.
type Key struct {
	Kind  KeyKind
	Value string
}

func (k Key) String() string { return fmt.Sprintf("%s:%s", k.Kind, k.Value) }

// NewIPKey, NewSocketKey, NewAccountKey, NewWorkerKey construct tagged
// ban keys.
func NewIPKey(ip string) Key      { return Key{Kind: IP, Value: ip} }
func NewSocketKey(addr string) Key { return Key{Kind: Socket, Value: addr} }
func NewAccountKey(name string) Key { return Key{Kind: Account, Value: name} }
func NewWorkerKey(name string) Key { return Key{Kind: Worker, Value: name} }

// Entry is a snapshot of one ban record.
type Entry struct {
	Key        Key
	Score      int
	Expiration time.Time
}

// BannedError is returned by CheckBanned for a key that is currently banned.
type BannedError struct {
	Key Key
}

func (e *BannedError) Error() string { return fmt.Sprintf("ban: %s is banned", e.Key) }

// expiryItem indexes entries by expiration for the purge task; ties are
// broken by key string so btree.Less is a strict order.
type expiryItem struct {
	expiration time.Time
	key        Key
}

func (a expiryItem) Less(than btree.Item) bool {
	b := than.(expiryItem)
	if a.expiration.Equal(b.expiration) {
		return a.key.String() < b.key.String()
	}
	return a.expiration.Before(b.expiration)
}

// Config is the set of tunables read from the server's configuration
// surface (spec §6: "bans.enabled, bans.default_ban_duration").
type Config struct {
	Enabled         bool
	DefaultDuration time.Duration
}

// Manager is the ban manager of spec §4.2. The map (keyed by Key) and
// the expiration index are kept consistent under a single lock; a
// background purge task removes expired entries.
type Manager struct {
	cfg Config
	log interface {
		Warnw(string, ...interface{})
		Infow(string, ...interface{})
	}

	mu      sync.Mutex
	entries map[Key]*Entry
	byExp   *btree.BTree

	notify chan struct{}
	done   chan struct{}
}

// New constructs a Manager and starts its background purge task. The
// caller's ctx governs the purge task's lifetime; cancelling it stops
// the purge loop but leaves outstanding entries in the map until the
// Manager itself is dropped (spec §4.2).
func New(ctx context.Context, cfg Config) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     util.Named("ban"),
		entries: make(map[Key]*Entry),
		byExp:   btree.New(32),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.purgeLoop(ctx)
	return m
}

// isWhitelisted silently ignores loopback and unspecified addresses,
// matching the source's whitelist for Add (spec §4.2).
func isWhitelisted(k Key) bool {
	if k.Kind != IP && k.Kind != Socket {
		return false
	}
	host := k.Value
	if h, _, err := net.SplitHostPort(k.Value); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// CheckBanned is the single fallible operation: callers treat a
// non-nil error as a fatal connection rejection (spec §4.2, §7).
func (m *Manager) CheckBanned(k Key) error {
	if !m.cfg.Enabled {
		return nil
	}

	m.mu.Lock()
	_, banned := m.entries[k]
	m.mu.Unlock()

	if banned {
		return &BannedError{Key: k}
	}
	return nil
}

// Add bans k for the default score and duration. A no-op when the
// manager is disabled or k is whitelisted.
func (m *Manager) Add(k Key) {
	m.AddScored(k, DefaultScore, m.defaultDuration())
}

// AddScored bans k for score points, for duration. Called again on an
// already-banned key, it extends the expiration to now+duration and
// adds the scores together (spec §4.2, §8 "Ban extension").
func (m *Manager) AddScored(k Key, score int, duration time.Duration) {
	if !m.cfg.Enabled || isWhitelisted(k) {
		return
	}
	if duration <= 0 {
		duration = m.defaultDuration()
	}

	expiration := time.Now().Add(duration)

	m.mu.Lock()
	if existing, ok := m.entries[k]; ok {
		m.byExp.Delete(expiryItem{expiration: existing.Expiration, key: k})
		score += existing.Score
	}
	entry := &Entry{Key: k, Score: score, Expiration: expiration}
	m.entries[k] = entry
	m.byExp.ReplaceOrInsert(expiryItem{expiration: expiration, key: k})
	m.mu.Unlock()

	m.log.Infow("banned", "key", k.String(), "score", score, "expires", expiration)
	m.wake()
}

// Remove removes any ban on k, returning the entry that was removed
// (nil if there was none).
func (m *Manager) Remove(k Key) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.entries[k]
	if !ok {
		return nil
	}
	delete(m.entries, k)
	m.byExp.Delete(expiryItem{expiration: existing.Expiration, key: k})
	return existing
}

// List returns a snapshot of every currently banned entry.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

func (m *Manager) defaultDuration() time.Duration {
	if m.cfg.DefaultDuration > 0 {
		return m.cfg.DefaultDuration
	}
	return DefaultDuration
}

// wake nudges the purge loop to re-evaluate its sleep deadline
// (e.g. a newly-added ban might expire sooner than whatever the loop
// was already waiting on).
func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// purgeLoop wakes on notification or at the next expiration instant,
// removes everything expired, then sleeps until the new next
// expiration. Exits when ctx is cancelled (spec §4.2, §5).
func (m *Manager) purgeLoop(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := m.purgeExpired()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		case <-timer.C:
		}
	}
}

// purgeExpired removes every entry whose expiration has passed and
// returns how long to sleep until the next one (capped to avoid an
// indefinite timer when the map is empty).
func (m *Manager) purgeExpired() time.Duration {
	const idleSleep = time.Hour

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		min := m.byExp.Min()
		if min == nil {
			return idleSleep
		}
		item := min.(expiryItem)
		if item.expiration.After(now) {
			return item.expiration.Sub(now)
		}
		m.byExp.DeleteMin()
		delete(m.entries, item.key)
	}
}

// Wait blocks until the purge task has exited, for tests and orderly
// shutdown sequencing.
func (m *Manager) Wait() {
	<-m.done
}
