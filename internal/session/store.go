// Package session holds the process-wide mapping from chat user
// identity to an authenticated card binding. It is the only mutable
// shared state in the concierge.
package session

import (
	"sync"
	"time"

	"github.com/ecart/card-concierge-go/internal/domain"

	"github.com/google/uuid"
)

const stateAuthenticated = "authenticated"

// Store is a concurrency-safe session store keyed by user identity.
// Access is guarded per map operation only; concurrent writes for the
// same user resolve last-write-wins, which is acceptable for a rapid
// double-tap and required for a second-device login.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	ttl      time.Duration

	// onExpire is invoked (outside the lock) for every expired session
	// the store removes, by the janitor sweep or lazily on Get.
	// Optional.
	onExpire func(userID string)
}

// NewStore creates a session store. ttl of zero means sessions never
// expire; a positive ttl starts a janitor goroutine that sweeps idle
// sessions.
func NewStore(ttl time.Duration, onExpire func(userID string)) *Store {
	s := &Store{
		sessions: make(map[string]domain.Session),
		ttl:      ttl,
		onExpire: onExpire,
	}
	if ttl > 0 {
		go s.janitor()
	}
	return s
}

// Create binds userID to the verified card, overwriting any prior
// session for that user.
func (s *Store) Create(userID string, card *domain.Card) domain.Session {
	sess := domain.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		CardID:    card.ID,
		CardLabel: card.MaskedLabel(),
		CreatedAt: time.Now(),
		State:     stateAuthenticated,
	}

	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()

	return sess
}

// Get returns the session for userID, if one exists and has not expired.
func (s *Store) Get(userID string) (domain.Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()

	if !ok {
		return domain.Session{}, false
	}
	if s.expired(sess) {
		// Lazy expiry between janitor sweeps reports the same way a
		// swept session does.
		s.Destroy(userID)
		if s.onExpire != nil {
			s.onExpire(userID)
		}
		return domain.Session{}, false
	}
	return sess, true
}

// Destroy removes the session for userID. Destroying an absent session
// is a no-op.
func (s *Store) Destroy(userID string) {
	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()
}

// IsAuthenticated reports whether userID currently holds a session.
func (s *Store) IsAuthenticated(userID string) bool {
	_, ok := s.Get(userID)
	return ok
}

func (s *Store) expired(sess domain.Session) bool {
	return s.ttl > 0 && time.Since(sess.CreatedAt) > s.ttl
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for range ticker.C {
		var swept []string

		s.mu.Lock()
		for userID, sess := range s.sessions {
			if s.expired(sess) {
				delete(s.sessions, userID)
				swept = append(swept, userID)
			}
		}
		s.mu.Unlock()

		if s.onExpire != nil {
			for _, userID := range swept {
				s.onExpire(userID)
			}
		}
	}
}
