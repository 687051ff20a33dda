// Package token owns the OAuth2 access/refresh token pair for the current
// provider connection. Exactly one token set exists per application session;
// it is not per-tenant. Corrupt persisted state reads as "no token" so the
// service self-heals into the disconnected state instead of crashing.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/complytrack/ledgerlink/internal/store"
)

// DefaultSkew is the safety buffer subtracted from token expiry so a token is
// never sent when it would expire mid-flight.
const DefaultSkew = 60 * time.Second

// TokenSet is the credential pair obtained from a code exchange or refresh.
type TokenSet struct {
	// AccessToken authenticates resource and status calls.
	AccessToken string `json:"access_token"`
	// RefreshToken obtains a replacement access token; it may rotate on refresh.
	RefreshToken string `json:"refresh_token"`
	// TokenType is the scheme reported by the provider, normally "Bearer".
	TokenType string `json:"token_type"`
	// IssuedAt is when this token set was stored, in UTC.
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresIn is the access token lifetime in seconds, as reported by the provider.
	ExpiresIn int `json:"expires_in"`
}

// ExpiresAt derives the absolute expiry instant.
func (t *TokenSet) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// ExpiredAt reports whether the token is unusable at the given instant,
// applying the skew buffer.
func (t *TokenSet) ExpiredAt(now time.Time, skew time.Duration) bool {
	if skew < 0 {
		skew = 0
	}
	return !now.Before(t.ExpiresAt().Add(-skew))
}

// Store persists the token set through the configured backend.
type Store struct {
	mu      sync.RWMutex
	backend store.Backend
	cached  *TokenSet
	loaded  bool

	// now is the clock source, injectable for tests.
	now func() time.Time
}

// NewStore creates a token store over the given backend.
func NewStore(backend store.Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// SetClock overrides the clock source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Set persists the token set, stamping IssuedAt with the current time.
func (s *Store) Set(ctx context.Context, ts TokenSet) error {
	ts.IssuedAt = s.now().UTC()
	data, err := json.Marshal(&ts)
	if err != nil {
		return fmt.Errorf("token: marshal token set: %w", err)
	}
	if err = s.backend.Save(ctx, store.RecordToken, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.cached = &ts
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Get returns the current token set, loading it on first use. A missing or
// malformed record reads as absent; malformed records are removed.
func (s *Store) Get(ctx context.Context) (*TokenSet, bool) {
	s.mu.RLock()
	if s.loaded {
		ts := s.cached
		s.mu.RUnlock()
		if ts == nil {
			return nil, false
		}
		copied := *ts
		return &copied, true
	}
	s.mu.RUnlock()

	ts := s.loadFromBackend(ctx)

	s.mu.Lock()
	s.cached = ts
	s.loaded = true
	s.mu.Unlock()

	if ts == nil {
		return nil, false
	}
	copied := *ts
	return &copied, true
}

// IsExpired reports whether the stored token is absent or past its expiry
// minus the skew buffer.
func (s *Store) IsExpired(ctx context.Context, skew time.Duration) bool {
	ts, ok := s.Get(ctx)
	if !ok {
		return true
	}
	return ts.ExpiredAt(s.now(), skew)
}

// Clear removes the persisted token set. Used on disconnect and on
// irrecoverable refresh failure so a known-bad refresh token is never
// presented again.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, store.RecordToken); err != nil {
		return err
	}
	s.mu.Lock()
	s.cached = nil
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func (s *Store) loadFromBackend(ctx context.Context) *TokenSet {
	data, err := s.backend.Load(ctx, store.RecordToken)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("token: failed to load stored token")
		}
		return nil
	}
	var ts TokenSet
	if err = json.Unmarshal(data, &ts); err != nil || ts.AccessToken == "" {
		log.Warn("token: stored token is malformed, discarding")
		_ = s.backend.Delete(ctx, store.RecordToken)
		return nil
	}
	return &ts
}
