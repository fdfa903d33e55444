// Package miner tracks per-connection miner state: protocol stage, identity,
// difficulty and share counters.
package miner

import (
	"sync"
	"time"
)

// State is the protocol stage of a connection.
type State int

const (
	// StateConnected is a connection that has not subscribed yet.
	StateConnected State = iota
	// StateSubscribed has an extranonce1 but may not submit shares.
	StateSubscribed
	// StateAuthorized receives jobs and may submit shares.
	StateAuthorized
	// StateDisconnected is terminal; nothing is sent to it any more.
	StateDisconnected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Bounds limits the difficulty a miner may be assigned.
type Bounds struct {
	Min     float64
	Max     float64
	Initial float64
}

// Clamp returns d limited to [Min, Max].
func (b Bounds) Clamp(d float64) float64 {
	return max(b.Min, min(d, b.Max))
}

// Window is the part of a miner the vardiff controller reads and writes.
type Window struct {
	ValidShares  int64
	LastRetarget time.Time
	Difficulty   float64
}

// Stats is a point-in-time copy of a miner's counters.
type Stats struct {
	State         State
	Username      string
	UserAgent     string
	ExtraNonce1   string
	Difficulty    float64
	ValidShares   int64
	InvalidShares int64
	TotalValid    int64
	TotalInvalid  int64
	ConnectedAt   time.Time
	LastRetarget  time.Time
}

// Miner is one connection's state. All fields are guarded by mu; the registry
// owns the Miner, callers only hold references while handling its messages.
type Miner struct {
	id          string
	connectedAt time.Time
	bounds      Bounds

	mu            sync.Mutex
	state         State
	username      string
	userAgent     string
	extraNonce1   string
	difficulty    float64
	validShares   int64
	invalidShares int64
	totalValid    int64
	totalInvalid  int64
	lastRetarget  time.Time
}

func newMiner(id string, bounds Bounds, now time.Time) *Miner {
	return &Miner{
		id:           id,
		connectedAt:  now,
		bounds:       bounds,
		state:        StateConnected,
		difficulty:   bounds.Clamp(bounds.Initial),
		lastRetarget: now,
	}
}

// ID returns the connection id.
func (m *Miner) ID() string { return m.id }

// ConnectedAt returns when the connection was first seen.
func (m *Miner) ConnectedAt() time.Time { return m.connectedAt }

// State returns the current protocol stage.
func (m *Miner) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthorized reports whether the miner may receive jobs and submit shares.
func (m *Miner) IsAuthorized() bool {
	return m.State() == StateAuthorized
}

// Username returns the authorized worker name.
func (m *Miner) Username() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username
}

// ExtraNonce1 returns the value assigned on subscribe.
func (m *Miner) ExtraNonce1() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extraNonce1
}

// Difficulty returns the current share difficulty.
func (m *Miner) Difficulty() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.difficulty
}

// RecordValid counts an accepted share.
func (m *Miner) RecordValid() {
	m.mu.Lock()
	m.validShares++
	m.totalValid++
	m.mu.Unlock()
}

// RecordInvalid counts a share the node rejected.
func (m *Miner) RecordInvalid() {
	m.mu.Lock()
	m.invalidShares++
	m.totalInvalid++
	m.mu.Unlock()
}

// Adjust runs fn with exclusive access to the vardiff window and writes the
// result back, clamping the difficulty to the miner's bounds. It returns the
// window before and after.
func (m *Miner) Adjust(fn func(w *Window)) (before, after Window) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before = Window{
		ValidShares:  m.validShares,
		LastRetarget: m.lastRetarget,
		Difficulty:   m.difficulty,
	}
	w := before
	fn(&w)

	m.validShares = w.ValidShares
	m.lastRetarget = w.LastRetarget
	m.difficulty = m.bounds.Clamp(w.Difficulty)

	after = Window{
		ValidShares:  m.validShares,
		LastRetarget: m.lastRetarget,
		Difficulty:   m.difficulty,
	}
	return before, after
}

// ResetDifficulty puts the miner back on the initial difficulty and restarts
// its vardiff window.
func (m *Miner) ResetDifficulty(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.difficulty = m.bounds.Clamp(m.bounds.Initial)
	m.validShares = 0
	m.invalidShares = 0
	m.lastRetarget = now
	return m.difficulty
}

// Stats returns a copy of the miner's state.
func (m *Miner) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:         m.state,
		Username:      m.username,
		UserAgent:     m.userAgent,
		ExtraNonce1:   m.extraNonce1,
		Difficulty:    m.difficulty,
		ValidShares:   m.validShares,
		InvalidShares: m.invalidShares,
		TotalValid:    m.totalValid,
		TotalInvalid:  m.totalInvalid,
		ConnectedAt:   m.connectedAt,
		LastRetarget:  m.lastRetarget,
	}
}

// transition moves the miner from one of the allowed states to next.
func (m *Miner) transition(next State, allowed ...State) bool {
	for _, s := range allowed {
		if m.state == s {
			m.state = next
			return true
		}
	}
	return false
}
