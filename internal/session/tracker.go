package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConflict means the account already has a live session bound to a
	// different client address.
	ErrConflict = errors.New("session: account already has an active session")
	// ErrNotFound means no session matched the lookup.
	ErrNotFound = errors.New("session: not found")
)

// Tracker is the account-keyed session registry shared by the three port
// handlers and the fabric router.
type Tracker struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	log      *zap.Logger
}

func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{
		sessions: make(map[uint32]*Session),
		log:      log,
	}
}

// Init creates a session for the account, or revalidates the existing one.
// A live session from the same address just has its TTL extended; a live
// session from another address is a conflict. Expired leftovers are
// replaced.
func (t *Tracker) Init(accountID, ipAddr uint32, ttl time.Duration) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if existing, ok := t.sessions[accountID]; ok && !existing.Expired(now) {
		if existing.ClientIP() != ipAddr {
			return nil, ErrConflict
		}
		existing.ExtendTTL(ttl, false)
		return existing, nil
	}
	s := New(accountID, ipAddr, ttl)
	t.sessions[accountID] = s
	return s, nil
}

// Get returns the live session for the account.
func (t *Tracker) Get(accountID uint32) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[accountID]
	if !ok || s.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

// LookupByIP finds the live session bound to the client address. Sessions
// flagged to ignore IP lookups are skipped; the view handler sets that
// flag once it claims a session.
func (t *Tracker) LookupByIP(ipAddr uint32) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, s := range t.sessions {
		if s.ClientIP() == ipAddr && !s.IgnoreIPLookup() && !s.Expired(now) {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Delete drops the account's session.
func (t *Tracker) Delete(accountID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, accountID)
}

// SweepExpired removes expired sessions and returns how many were dropped.
func (t *Tracker) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	dropped := 0
	for id, s := range t.sessions {
		if s.Expired(now) {
			delete(t.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		t.log.Debug("swept expired sessions", zap.Int("dropped", dropped))
	}
	return dropped
}

// Count returns the number of tracked sessions, expired ones included.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
