// Package miner implements the per-connection share accounting,
// vardiff retargeting, and ban-scoring logic of spec §4.3 and §4.4.
package miner

import (
	"sync"
	"time"

	"github.com/stratumd/stratumd/difficulty"
	"github.com/stratumd/stratumd/internal/util"
)

// VarDiffConfig carries the tunables retarget() reads from the
// connection's configuration (spec §4.3).
type VarDiffConfig struct {
	Enabled             bool
	TargetInterval      time.Duration // T_target
	RetargetShareAmount uint64        // N_retarget
	RetargetInterval    time.Duration // R_interval
	MinimumDifficulty   difficulty.Difficulty
	MaximumDifficulty   difficulty.Difficulty
}

// BanConfig carries the tunables consider_ban() reads (spec §4.4).
type BanConfig struct {
	CheckThreshold uint64
	InvalidPercent float64
}

// Stats is a point-in-time snapshot of share counters, returned by
// Miner.Stats.
type Stats struct {
	Accepted uint64
	Stale    uint64
	Rejected uint64
}

// shareCounters groups the fields retarget/consider_ban read and write
// together, protected by one lock per spec §9's "single lock over a
// coherent group" guidance.
type shareCounters struct {
	mu sync.Mutex

	accepted uint64
	stale    uint64
	rejected uint64

	lastTimestamp      time.Time
	lastRetarget       time.Time
	lastRetargetShare  uint64
	lastBanCheckShare  uint64

	needsBan bool
}

// Miner tracks one connection's share history, difficulty triple, and
// ban-worthiness. Embedded in a Session (spec §4.6 "difficulty
// facades" are forwarded here).
type Miner struct {
	varDiffCfg VarDiffConfig
	banCfg     BanConfig

	counters shareCounters
	buffer   difficulty.VarDiffBuffer
	bufMu    sync.Mutex

	diff *difficulty.Triple

	log interface {
		Warnw(string, ...interface{})
	}
}

// New constructs a Miner with the given initial difficulty and
// tunables.
func New(initial difficulty.Difficulty, varDiffCfg VarDiffConfig, banCfg BanConfig) *Miner {
	return &Miner{
		varDiffCfg: varDiffCfg,
		banCfg:     banCfg,
		diff:       difficulty.NewTriple(initial),
		log:        util.Named("miner"),
	}
}

// ValidShare, StaleShare, RejectedShare record one share outcome, then
// run retarget() and consider_ban() exactly as spec §4.3/§4.4 require.
func (m *Miner) ValidShare(now time.Time) {
	m.record(now, &m.counters.accepted)
}

func (m *Miner) StaleShare(now time.Time) {
	m.record(now, &m.counters.stale)
}

func (m *Miner) RejectedShare(now time.Time) {
	m.record(now, &m.counters.rejected)
}

func (m *Miner) record(now time.Time, counter *uint64) {
	m.counters.mu.Lock()
	*counter++
	m.counters.mu.Unlock()

	m.retarget(now)
	m.considerBan()
}

// retarget implements spec §4.3 steps 1-7.
func (m *Miner) retarget(now time.Time) {
	if !m.varDiffCfg.Enabled {
		return
	}

	m.counters.mu.Lock()
	// The first share only sets the baseline timestamp; there is no
	// interval to record until a second share arrives.
	if !m.counters.lastTimestamp.IsZero() {
		sinceLast := now.Sub(m.counters.lastTimestamp)
		m.bufMu.Lock()
		m.buffer.Push(sinceLast.Milliseconds())
		m.bufMu.Unlock()
	}
	m.counters.lastTimestamp = now

	total := m.counters.accepted + m.counters.stale + m.counters.rejected
	deltaShares := total - m.counters.lastRetargetShare
	deltaTime := now.Sub(m.counters.lastRetarget)

	if deltaShares < m.varDiffCfg.RetargetShareAmount && deltaTime < m.varDiffCfg.RetargetInterval {
		m.counters.mu.Unlock()
		return
	}

	m.counters.lastRetarget = now
	m.counters.lastRetargetShare = m.counters.accepted
	m.counters.mu.Unlock()

	m.bufMu.Lock()
	avg := m.buffer.Avg()
	m.bufMu.Unlock()

	if avg <= 0 {
		return
	}

	current := m.diff.Current()
	target := float64(m.varDiffCfg.TargetInterval.Milliseconds())
	if target <= 0 {
		return
	}

	ratio := avg / target
	var next difficulty.Difficulty
	switch {
	case avg > target:
		if ratio <= 1.5 {
			return
		}
		next = current.Halve()
	default:
		if ratio >= 0.7 {
			return
		}
		next = current.Double()
	}

	next = next.Clamp(m.varDiffCfg.MinimumDifficulty, m.varDiffCfg.MaximumDifficulty)
	if next == current {
		return
	}

	m.diff.UpdateNext(next)
	m.bufMu.Lock()
	m.buffer.Reset()
	m.bufMu.Unlock()
}

// considerBan implements spec §4.4.
func (m *Miner) considerBan() {
	m.counters.mu.Lock()
	defer m.counters.mu.Unlock()

	total := m.counters.accepted + m.counters.stale + m.counters.rejected
	if total-m.counters.lastBanCheckShare < m.banCfg.CheckThreshold {
		return
	}

	badPct := float64(m.counters.stale+m.counters.rejected) / float64(total) * 100
	m.counters.lastBanCheckShare = total

	if badPct < m.banCfg.InvalidPercent {
		m.counters.needsBan = false
		return
	}

	m.log.Warnw("miner exceeded invalid share threshold", "bad_pct", badPct, "total_shares", total)
	m.counters.needsBan = true
}

// NeedsBan reports whether consider_ban() has flagged this miner for
// ban action (the Session acts on this at disconnect time, spec §4.6).
func (m *Miner) NeedsBan() bool {
	m.counters.mu.Lock()
	defer m.counters.mu.Unlock()
	return m.counters.needsBan
}

// Stats returns a snapshot of the share counters.
func (m *Miner) Stats() Stats {
	m.counters.mu.Lock()
	defer m.counters.mu.Unlock()
	return Stats{
		Accepted: m.counters.accepted,
		Stale:    m.counters.stale,
		Rejected: m.counters.rejected,
	}
}

// UpdateDifficulty performs the difficulty triple's shift() and
// returns the new current value, reporting whether a change occurred
// (spec §4.3 "update_difficulty").
func (m *Miner) UpdateDifficulty() (difficulty.Difficulty, bool) {
	return m.diff.Shift()
}

// Difficulties returns the current difficulty triple.
func (m *Miner) Difficulties() *difficulty.Triple {
	return m.diff
}

// SetDifficulty forces current to d, discarding any pending next
// (spec §4.6 "set_difficulty").
func (m *Miner) SetDifficulty(d difficulty.Difficulty) {
	m.diff.SetAndShift(d)
}
