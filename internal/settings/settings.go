// Package settings owns the registered application credentials required to
// initiate authorization against the accounting provider. Credentials are
// write-once-until-changed configuration: saving a complete triple is the
// precondition for starting the OAuth flow.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/complytrack/ledgerlink/internal/store"
)

// Credentials is the registered application identity at the provider.
type Credentials struct {
	// ClientID is the OAuth2 client identifier issued by the provider.
	ClientID string `json:"client_id"`
	// ClientSecret is the matching client secret.
	ClientSecret string `json:"client_secret"`
	// RedirectURI is the absolute URL the provider redirects back to.
	RedirectURI string `json:"redirect_uri"`
}

// ValidationError reports a rejected credentials field.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns a string representation of the validation error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks that all three fields are present and the redirect URI is a
// well-formed absolute URL.
func (c *Credentials) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return &ValidationError{Field: "client_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return &ValidationError{Field: "client_secret", Reason: "must not be empty"}
	}
	redirect := strings.TrimSpace(c.RedirectURI)
	if redirect == "" {
		return &ValidationError{Field: "redirect_uri", Reason: "must not be empty"}
	}
	parsed, err := url.Parse(redirect)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return &ValidationError{Field: "redirect_uri", Reason: "must be an absolute URL"}
	}
	return nil
}

// Store persists credentials through the configured backend and notifies
// subscribers whenever they change, so a stale "not configured" status never
// lingers downstream.
type Store struct {
	mu          sync.RWMutex
	backend     store.Backend
	cached      *Credentials
	loaded      bool
	subscribers []func()
}

// NewStore creates a settings store over the given backend.
func NewStore(backend store.Backend) *Store {
	return &Store{backend: backend}
}

// Subscribe registers a callback invoked after every successful save or
// externally detected change. Callbacks run synchronously; keep them cheap.
func (s *Store) Subscribe(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Save validates and persists the credentials, then notifies subscribers.
func (s *Store) Save(ctx context.Context, creds Credentials) error {
	creds.ClientID = strings.TrimSpace(creds.ClientID)
	creds.ClientSecret = strings.TrimSpace(creds.ClientSecret)
	creds.RedirectURI = strings.TrimSpace(creds.RedirectURI)
	if err := creds.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(&creds)
	if err != nil {
		return fmt.Errorf("settings: marshal credentials: %w", err)
	}
	if err = s.backend.Save(ctx, store.RecordCredentials, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.cached = &creds
	s.loaded = true
	subscribers := append([]func(){}, s.subscribers...)
	s.mu.Unlock()

	log.Info("settings: provider credentials updated")
	for _, fn := range subscribers {
		fn()
	}
	return nil
}

// Get returns the current credentials, loading them from the backend on first
// use. A missing or unparseable record reads as "not configured".
func (s *Store) Get(ctx context.Context) (*Credentials, bool) {
	s.mu.RLock()
	if s.loaded {
		creds := s.cached
		s.mu.RUnlock()
		if creds == nil {
			return nil, false
		}
		copied := *creds
		return &copied, true
	}
	s.mu.RUnlock()

	creds := s.loadFromBackend(ctx)

	s.mu.Lock()
	s.cached = creds
	s.loaded = true
	s.mu.Unlock()

	if creds == nil {
		return nil, false
	}
	copied := *creds
	return &copied, true
}

// Reload drops the cache, re-reads the backend, and notifies subscribers when
// the stored value differs from the previously cached one.
func (s *Store) Reload(ctx context.Context) {
	fresh := s.loadFromBackend(ctx)

	s.mu.Lock()
	changed := !credentialsEqual(s.cached, fresh)
	s.cached = fresh
	s.loaded = true
	subscribers := append([]func(){}, s.subscribers...)
	s.mu.Unlock()

	if !changed {
		return
	}
	log.Debug("settings: credentials changed on disk, notifying subscribers")
	for _, fn := range subscribers {
		fn()
	}
}

func (s *Store) loadFromBackend(ctx context.Context) *Credentials {
	data, err := s.backend.Load(ctx, store.RecordCredentials)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("settings: failed to load credentials")
		}
		return nil
	}
	var creds Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		log.WithError(err).Warn("settings: stored credentials are malformed, treating as unconfigured")
		return nil
	}
	if creds.Validate() != nil {
		return nil
	}
	return &creds
}

func credentialsEqual(a, b *Credentials) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
