package miner

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/vrscpool/pkg/errors"
)

var (
	// ErrUnknownMiner is returned for connection ids with no registered miner.
	ErrUnknownMiner = stderrors.New("unknown miner")
	// ErrInvalidTransition is returned when a message arrives in the wrong state.
	ErrInvalidTransition = stderrors.New("invalid state transition")
	// ErrExtraNonceInUse is returned when another live connection holds the extranonce1.
	ErrExtraNonceInUse = stderrors.New("extranonce1 in use")
)

// Registry owns every live Miner, keyed by connection id.
type Registry struct {
	mu          sync.RWMutex
	miners      map[string]*Miner
	extraNonces map[string]string
	bounds      Bounds
	now         func() time.Time
}

// NewRegistry creates an empty registry. New miners start at bounds.Initial.
func NewRegistry(bounds Bounds) *Registry {
	return &Registry{
		miners:      make(map[string]*Miner),
		extraNonces: make(map[string]string),
		bounds:      bounds,
		now:         time.Now,
	}
}

// Bounds returns the difficulty limits applied to every miner.
func (r *Registry) Bounds() Bounds { return r.bounds }

// Register returns the miner for connID, creating it on first contact.
func (r *Registry) Register(connID string) *Miner {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.miners[connID]; ok {
		return m
	}
	m := newMiner(connID, r.bounds, r.now())
	r.miners[connID] = m
	return m
}

// Subscribe assigns extraNonce1 to the miner and moves it to StateSubscribed.
// A repeated subscribe before authorization replaces the previous value.
func (r *Registry) Subscribe(connID, userAgent, extraNonce1 string) (*Miner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.miners[connID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownMiner, errors.ErrorTypeProtocol, "subscribe", "connection not registered").
			WithContext("conn_id", connID)
	}
	if owner, taken := r.extraNonces[extraNonce1]; taken && owner != connID {
		return nil, errors.Wrap(ErrExtraNonceInUse, errors.ErrorTypeProtocol, "subscribe", "extranonce1 collision").
			WithContext("conn_id", connID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.transition(StateSubscribed, StateConnected, StateSubscribed) {
		return nil, errors.Wrap(ErrInvalidTransition, errors.ErrorTypeProtocol, "subscribe", "already "+m.state.String()).
			WithContext("conn_id", connID)
	}

	if m.extraNonce1 != "" {
		delete(r.extraNonces, m.extraNonce1)
	}
	m.extraNonce1 = extraNonce1
	m.userAgent = userAgent
	r.extraNonces[extraNonce1] = connID

	return m, nil
}

// Authorize marks a subscribed miner authorized under username. Authorizing
// again, for another worker on the same connection, keeps the miner
// authorized and records the latest name.
func (r *Registry) Authorize(connID, username string) (*Miner, error) {
	r.mu.RLock()
	m, ok := r.miners[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownMiner, errors.ErrorTypeProtocol, "authorize", "connection not registered").
			WithContext("conn_id", connID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.transition(StateAuthorized, StateSubscribed, StateAuthorized) {
		return nil, errors.Wrap(ErrInvalidTransition, errors.ErrorTypeProtocol, "authorize", "miner is "+m.state.String()).
			WithContext("conn_id", connID)
	}
	m.username = username
	return m, nil
}

// Get returns the live miner for connID.
func (r *Registry) Get(connID string) (*Miner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.miners[connID]
	return m, ok
}

// Remove drops the miner and marks it disconnected so holders of a stale
// reference stop sending to it.
func (r *Registry) Remove(connID string) (*Miner, bool) {
	r.mu.Lock()
	m, ok := r.miners[connID]
	if ok {
		delete(r.miners, connID)
		if owner := r.extraNonces[m.ExtraNonce1()]; owner == connID {
			delete(r.extraNonces, m.ExtraNonce1())
		}
	}
	r.mu.Unlock()

	if ok {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
	}
	return m, ok
}

// Authorized returns a snapshot of the authorized miners.
func (r *Registry) Authorized() []*Miner {
	r.mu.RLock()
	snapshot := make([]*Miner, 0, len(r.miners))
	for _, m := range r.miners {
		snapshot = append(snapshot, m)
	}
	r.mu.RUnlock()

	out := snapshot[:0]
	for _, m := range snapshot {
		if m.IsAuthorized() {
			out = append(out, m)
		}
	}
	return out
}

// ForEachAuthorized calls fn for every miner authorized at the time of the
// call. Miners joining or leaving while fn runs do not affect the iteration.
func (r *Registry) ForEachAuthorized(fn func(*Miner)) {
	for _, m := range r.Authorized() {
		fn(m)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.miners)
}

// AuthorizedCount returns the number of authorized connections.
func (r *Registry) AuthorizedCount() int {
	return len(r.Authorized())
}

// ExtraNonceInUse reports whether a live connection holds extraNonce1.
func (r *Registry) ExtraNonceInUse(extraNonce1 string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, taken := r.extraNonces[extraNonce1]
	return taken
}
