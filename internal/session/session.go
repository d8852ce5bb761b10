// Package session keeps the per-chat menu progress between updates.
package session

import (
	"context"
	"sync"
	"time"
)

type State int

const (
	StateStart State = iota
	StateCity
	StateProduct
	StateAddress
	StateAwaitingPayment
)

// Session accumulates the user's selections as they walk the menu.
// It is overwritten step by step and cleared on cancel or fulfillment.
type Session struct {
	State         State
	City          string
	ProductID     string
	Address       string
	ActiveOrderID string
	LastSeen      time.Time
}

type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	ttl      time.Duration
	now      func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[int64]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *Store) Get(chatID int64) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Update applies fn to the chat's session, creating it when absent,
// and returns a copy of the result. LastSeen is always refreshed.
func (s *Store) Update(chatID int64, fn func(*Session)) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok {
		sess = &Session{State: StateStart}
		s.sessions[chatID] = sess
	}
	fn(sess)
	sess.LastSeen = s.now()
	return *sess
}

func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions idle longer than the store TTL and returns how
// many were removed. Abandoned carts are not worth keeping around.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl <= 0 {
		return 0
	}
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastSeen) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on a timer until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 || s.ttl <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Sweep(now)
			}
		}
	}()
}
