// Package idalloc implements the dense 24-bit session-index allocator
// described in spec §4.1: a single server-wide bitset handing out
// SessionIDs formed as (serverID<<24 | index), reused only once the
// holding session releases its index.
package idalloc

import (
	"errors"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/stratumd/stratumd/internal/util"
)

// indexSpace is 2^24 - 1: the number of usable indexes, one less than
// the full 24-bit range, so the largest index is 2^24 - 2, matching
// spec §3's "index ∈ [0, 2²⁴−2]". As a mask it also selects the low 24 bits.
const indexSpace = 1<<24 - 1

// ErrExhausted is returned by Allocate when every index in the
// 24-bit space is currently held.
var ErrExhausted = errors.New("idalloc: session id space exhausted")

// warnThreshold is the occupancy fraction at which Allocate logs a
// warning once (spec §4.1: "log a warning once ≥70% of the space is
// allocated").
const warnThreshold = 0.70

// logEvery is the allocation count interval for an info-level event
// (spec §4.1: "emit an info event every 250 allocations").
const logEvery = 250

// SessionID is the 32-bit little-endian session identifier formed as
// (server_id<<24 | index).
type SessionID uint32

// New packs a server prefix and index into a SessionID.
func New(serverID uint8, index uint32) SessionID {
	return SessionID(uint32(serverID)<<24 | index)
}

// Index extracts the 24-bit index portion.
func (id SessionID) Index() uint32 { return uint32(id) & indexSpace }

// ServerID extracts the 8-bit server prefix.
func (id SessionID) ServerID() uint8 { return uint8(uint32(id) >> 24) }

// Uint32 returns the raw little-endian-packed value.
func (id SessionID) Uint32() uint32 { return uint32(id) }

// FromUint32 reconstructs a SessionID from its packed form.
func FromUint32(v uint32) SessionID { return SessionID(v) }

// Allocator hands out unique SessionIDs from the 24-bit index space,
// prefixed with a fixed per-process server id. A single lock protects
// the bitset, scan cursor, and count together, matching the spec's
// "single lock protects the bitset, cursor, and count" concurrency
// rule (§4.1, §5).
type Allocator struct {
	mu       sync.Mutex
	bits     *bitset.BitSet
	cursor   uint
	count    uint32
	serverID uint8
	warned   bool
}

// NewAllocator constructs an Allocator with the given server prefix.
func NewAllocator(serverID uint8) *Allocator {
	return &Allocator{
		bits:     bitset.New(indexSpace),
		serverID: serverID,
	}
}

// Allocate scans forward from the cursor (wrapping at the end of the
// index space) for the lowest free index after the cursor, claims it,
// and returns the packed SessionID. Returns ErrExhausted once every
// index is held.
func (a *Allocator) Allocate() (SessionID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count > indexSpace-1 {
		return 0, ErrExhausted
	}

	idx, ok := a.bits.NextClear(a.cursor)
	if !ok || idx >= indexSpace {
		// wrap and scan from the start
		idx, ok = a.bits.NextClear(0)
		if !ok || idx >= indexSpace {
			return 0, ErrExhausted
		}
	}

	a.bits.Set(idx)
	a.cursor = idx + 1
	if a.cursor >= indexSpace {
		a.cursor = 0
	}
	a.count++

	a.maybeLog()

	return New(a.serverID, uint32(idx)), nil
}

// Release frees a previously allocated SessionID's index, making it
// eligible for reuse.
func (a *Allocator) Release(id SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := uint(id.Index())
	if !a.bits.Test(idx) {
		return
	}
	a.bits.Clear(idx)
	if a.count > 0 {
		a.count--
	}
	if a.warned && float64(a.count)/float64(indexSpace) < warnThreshold {
		a.warned = false
	}
}

// Count returns the number of currently held indexes.
func (a *Allocator) Count() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// maybeLog emits the occupancy warning and periodic info event. Must
// be called with mu held.
func (a *Allocator) maybeLog() {
	if !a.warned && float64(a.count)/float64(indexSpace) >= warnThreshold {
		a.warned = true
		util.Named("idalloc").Warnw("session id space nearing exhaustion",
			"allocated", a.count, "capacity", indexSpace)
	}
	if a.count%logEvery == 0 {
		util.Named("idalloc").Infow("session id allocations", "allocated", a.count)
	}
}
