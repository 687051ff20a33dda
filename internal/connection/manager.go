// Package connection implements the connection state machine for the accounting
// provider link. It merges local token state and the provider-reported
// connection facts into one authoritative status, drives transitions for
// connect, callback, refresh, and disconnect, and reconciles local belief
// against the provider on a timer and on demand.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/complytrack/ledgerlink/internal/oauth"
	"github.com/complytrack/ledgerlink/internal/settings"
	"github.com/complytrack/ledgerlink/internal/tenant"
	"github.com/complytrack/ledgerlink/internal/token"
)

// Manager is the single owner of connection state. All consumers read status
// through it; UI code never derives connection facts on its own.
type Manager struct {
	settings *settings.Store
	tokens   *token.Store
	tenants  *tenant.Registry
	flow     *oauth.Controller
	server   *StatusClient

	mu      sync.Mutex
	state   State
	pending *pendingAuthorization
	// serverConnected/serverChecked hold the last reconciled provider view.
	serverConnected bool
	serverChecked   bool
	// optimistic marks the window between a successful code exchange and the
	// first reconciliation, where local evidence stands in for the server view.
	optimistic    bool
	lastCheckedAt time.Time

	// gen counts state-changing events (authorization started or completed,
	// refresh outcome, disconnect). A reconcile probe records the generation it
	// started under and its answer is discarded when the generation has moved,
	// so a slow probe can never overwrite evidence newer than itself.
	gen            uint64
	reconcileGroup singleflight.Group

	skew              time.Duration
	reconcileInterval time.Duration
	now               func() time.Time

	subMu       sync.Mutex
	subscribers map[int]chan Status
	nextSubID   int
}

// NewManager wires the state machine to its collaborators. The settings store
// is subscribed so a credentials save immediately lifts the unconfigured state.
func NewManager(settingsStore *settings.Store, tokenStore *token.Store, registry *tenant.Registry, flow *oauth.Controller, server *StatusClient, reconcileInterval time.Duration) *Manager {
	m := &Manager{
		settings:          settingsStore,
		tokens:            tokenStore,
		tenants:           registry,
		flow:              flow,
		server:            server,
		state:             StateUnconfigured,
		skew:              token.DefaultSkew,
		reconcileInterval: reconcileInterval,
		now:               time.Now,
		subscribers:       make(map[int]chan Status),
	}
	settingsStore.Subscribe(m.onSettingsChanged)
	return m
}

// SetClock overrides the clock source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Init derives the initial state from persisted evidence. The first
// authoritative answer comes from the startup reconciliation in Run; until
// then a locally stored token is treated as unverified.
func (m *Manager) Init(ctx context.Context) {
	_, configured := m.settings.Get(ctx)
	ts, hasToken := m.tokens.Get(ctx)
	if hasToken {
		m.tenants.BindScope(ctx, tenant.ScopeKey(ts.RefreshToken))
	}

	m.mu.Lock()
	if configured {
		m.state = StateDisconnected
	} else {
		m.state = StateUnconfigured
	}
	m.mu.Unlock()
}

// Run executes the startup reconciliation and then the periodic one until ctx
// is cancelled. Consumers that tear down cancel the context, so no timer ever
// updates state after its owner is gone.
func (m *Manager) Run(ctx context.Context) {
	if _, _, err := m.Reconcile(ctx); err != nil {
		log.WithError(err).Warn("startup reconciliation failed, keeping local view")
	}
	if m.reconcileInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.Reconcile(ctx); err != nil {
				log.WithError(err).Debug("periodic reconciliation failed")
			}
		}
	}
}

// Status returns the computed connection view.
func (m *Manager) Status(ctx context.Context) Status {
	_, configured := m.settings.Get(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:                m.state,
		IsConfigured:         configured,
		IsConnected:          m.optimistic || (m.serverChecked && m.serverConnected),
		TenantCount:          m.tenants.Count(),
		SelectedTenantID:     m.tenants.SelectedID(),
		LastCheckedAt:        m.lastCheckedAt,
		AuthorizationPending: m.pending != nil && !m.pending.expired(m.now()),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartAuth begins the authorization-code flow: it generates a fresh
// anti-forgery state with a bounded lifetime, records it as the single pending
// authorization, and returns the provider authorization URL.
//
// Connected and TokenExpired are deliberately valid starting states: starting
// a new authorization is the re-connect path, and the existing token set is
// replaced when the new callback completes. Starting one while a reconcile
// probe is in flight moves the generation forward, so the probe's answer is
// discarded rather than racing the new flow.
//
// Returns ErrNotConfigured when no complete credentials triple exists and
// ErrAuthorizationInProgress when a pending authorization is already alive.
func (m *Manager) StartAuth(ctx context.Context) (string, error) {
	creds, configured := m.settings.Get(ctx)
	if !configured {
		return "", ErrNotConfigured
	}

	m.mu.Lock()
	now := m.now()
	if m.pending != nil && !m.pending.expired(now) {
		m.mu.Unlock()
		return "", ErrAuthorizationInProgress
	}
	pending, err := newPendingAuthorization(now)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.pending = pending
	m.state = StateAuthorizing
	m.gen++
	m.mu.Unlock()

	authURL := m.flow.BuildAuthorizationURL(creds, pending.state)
	log.WithField("state", StateAuthorizing).WithField("flow", pending.id).Info("authorization started")
	m.notify(ctx)
	return authURL, nil
}

// HandleCallback processes the provider redirect. The pending authorization is
// consumed exactly once no matter the outcome; a state mismatch or an expired
// pending value is a SecurityError that never touches the token store. On
// success the code is exchanged, the token stored, and the tenant registry
// populated from the authoritative status endpoint.
func (m *Manager) HandleCallback(ctx context.Context, code, state, providerError string) error {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	now := m.now()
	m.mu.Unlock()

	fail := func(err error) error {
		m.setState(ctx, StateDisconnected)
		return err
	}

	if pending == nil {
		return fail(&SecurityError{Reason: "no authorization is pending"})
	}
	if providerError != "" {
		return fail(fmt.Errorf("connection: provider reported %q during authorization", providerError))
	}
	if pending.expired(now) {
		return fail(&SecurityError{Reason: "pending authorization expired"})
	}
	if !pending.matches(state) {
		return fail(&SecurityError{Reason: "state parameter mismatch"})
	}

	creds, configured := m.settings.Get(ctx)
	if !configured {
		return fail(ErrNotConfigured)
	}

	ts, err := m.flow.ExchangeCode(ctx, code, creds)
	if err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		// The owner went away mid-exchange; discard the result instead of
		// applying it to detached state. The pending authorization is already
		// consumed, so the flow lands in Disconnected like any other failure.
		return fail(ctx.Err())
	}
	if err = m.tokens.Set(ctx, *ts); err != nil {
		return fail(err)
	}

	// A fresh authorization resets the tenant pairing; a selection persisted
	// under a previous token scope must not survive.
	m.tenants.BindScope(ctx, tenant.ScopeKey(ts.RefreshToken))

	m.mu.Lock()
	m.state = StateConnected
	m.optimistic = true
	m.gen++
	m.mu.Unlock()
	log.WithField("state", StateConnected).WithField("flow", pending.id).Info("authorization completed")
	m.notify(ctx)

	// Populate the tenant registry from the authoritative endpoint. A failure
	// here leaves the optimistic window open; the periodic reconciler closes it.
	if _, _, errReconcile := m.Reconcile(ctx); errReconcile != nil {
		log.WithError(errReconcile).Warn("post-exchange reconciliation failed, keeping optimistic status")
	}
	return nil
}

// EnsureConnected returns a usable token set for an authenticated call,
// refreshing once when the stored token is expired. A failed refresh clears
// the token set and lands in Disconnected; refreshes are never retried beyond
// the single attempt.
func (m *Manager) EnsureConnected(ctx context.Context) (*token.TokenSet, error) {
	creds, configured := m.settings.Get(ctx)
	if !configured {
		return nil, ErrNotConfigured
	}
	ts, hasToken := m.tokens.Get(ctx)
	if !hasToken {
		return nil, ErrNoConnection
	}
	if !ts.ExpiredAt(m.now(), m.skew) {
		return ts, nil
	}

	m.setState(ctx, StateTokenExpired)
	return m.refresh(ctx, ts, creds)
}

// RecoverUnauthorized handles an Unauthorized signal from a resource load: the
// provider no longer honors the access token even if it looks live locally, so
// the connection re-enters TokenExpired and a single refresh is attempted.
func (m *Manager) RecoverUnauthorized(ctx context.Context) (*token.TokenSet, error) {
	creds, configured := m.settings.Get(ctx)
	if !configured {
		return nil, ErrNotConfigured
	}
	ts, hasToken := m.tokens.Get(ctx)
	if !hasToken {
		return nil, ErrNoConnection
	}
	m.setState(ctx, StateTokenExpired)
	return m.refresh(ctx, ts, creds)
}

func (m *Manager) refresh(ctx context.Context, ts *token.TokenSet, creds *settings.Credentials) (*token.TokenSet, error) {
	refreshed, err := m.flow.Refresh(ctx, ts, creds)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		// The refresh token is not presented again after a failure.
		if errClear := m.tokens.Clear(ctx); errClear != nil {
			log.WithError(errClear).Warn("failed to clear token set after refresh failure")
		}
		m.tenants.Reset(ctx)
		m.mu.Lock()
		m.state = StateDisconnected
		m.optimistic = false
		m.serverConnected = false
		m.gen++
		m.mu.Unlock()
		log.WithError(err).Warn("token refresh failed, connection dropped")
		m.notify(ctx)
		return nil, err
	}
	if err = m.tokens.Set(ctx, *refreshed); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.state = StateConnected
	m.gen++
	m.mu.Unlock()
	log.Debug("access token refreshed")
	m.notify(ctx)
	return refreshed, nil
}

// Disconnect clears the token set and tenant registry. Provider-side
// revocation is attempted but its failure never blocks the local disconnect.
func (m *Manager) Disconnect(ctx context.Context) {
	creds, configured := m.settings.Get(ctx)
	if ts, hasToken := m.tokens.Get(ctx); hasToken && configured {
		if err := m.flow.Revoke(ctx, ts, creds); err != nil {
			log.WithError(err).Warn("provider-side revocation failed, disconnecting locally anyway")
		}
	}
	if err := m.tokens.Clear(ctx); err != nil {
		log.WithError(err).Warn("failed to clear token set on disconnect")
	}
	m.tenants.Reset(ctx)

	m.mu.Lock()
	m.pending = nil
	m.optimistic = false
	m.serverConnected = false
	m.gen++
	if configured {
		m.state = StateDisconnected
	} else {
		m.state = StateUnconfigured
	}
	m.mu.Unlock()
	log.WithField("state", m.State()).Info("disconnected from provider")
	m.notify(ctx)
}

// Reconcile resolves local belief against the provider's authoritative status.
// Concurrent calls within one connection generation coalesce into a single
// probe; callers arriving after a state-changing event start a fresh probe
// instead of joining one that predates their evidence. The returned bool
// reports whether local state had to be corrected to match the server.
func (m *Manager) Reconcile(ctx context.Context) (Status, bool, error) {
	type outcome struct {
		status    Status
		corrected bool
	}
	m.mu.Lock()
	key := fmt.Sprintf("reconcile-%d", m.gen)
	m.mu.Unlock()
	v, err, _ := m.reconcileGroup.Do(key, func() (interface{}, error) {
		status, corrected, errReconcile := m.reconcile(ctx)
		return outcome{status: status, corrected: corrected}, errReconcile
	})
	out, _ := v.(outcome)
	return out.status, out.corrected, err
}

func (m *Manager) reconcile(ctx context.Context) (Status, bool, error) {
	m.mu.Lock()
	if m.state == StateAuthorizing {
		// An authorization redirect is outstanding; probing now could stomp
		// the exchange. The next tick picks it up.
		m.mu.Unlock()
		return m.Status(ctx), false, nil
	}
	previous := m.state
	startGen := m.gen
	m.state = StateReconciling
	m.mu.Unlock()
	m.notify(ctx)

	var accessToken string
	ts, hasToken := m.tokens.Get(ctx)
	if hasToken {
		accessToken = ts.AccessToken
	}

	server, err := m.server.Fetch(ctx, accessToken)
	if err != nil || ctx.Err() != nil {
		m.mu.Lock()
		if m.gen == startGen {
			m.state = previous
		}
		m.mu.Unlock()
		m.notify(ctx)
		if err == nil {
			err = ctx.Err()
		}
		return m.Status(ctx), false, fmt.Errorf("connection: reconcile: %w", err)
	}

	corrected := false
	_, configured := m.settings.Get(ctx)

	m.mu.Lock()
	if m.gen != startGen {
		// The connection changed while the probe was in flight; the fetched
		// answer describes a state that no longer exists.
		m.mu.Unlock()
		log.Debug("reconciliation result discarded, connection changed while probing")
		return m.Status(ctx), false, nil
	}
	if server.IsConnected {
		m.tenants.SetTenants(ctx, server.Tenants)
		if !hasToken {
			corrected = true
			log.Info("reconciliation: provider reports connected but no local token is stored")
		}
		m.state = StateConnected
		m.serverConnected = true
	} else {
		if hasToken {
			corrected = true
			log.Info("reconciliation: provider reports disconnected, clearing stale local token")
			if errClear := m.tokens.Clear(ctx); errClear != nil {
				log.WithError(errClear).Warn("failed to clear stale token set")
			}
		}
		m.tenants.Reset(ctx)
		if configured {
			m.state = StateDisconnected
		} else {
			m.state = StateUnconfigured
		}
		m.serverConnected = false
	}
	m.serverChecked = true
	m.optimistic = false
	m.lastCheckedAt = m.now()
	m.mu.Unlock()

	status := m.Status(ctx)
	m.notify(ctx)
	return status, corrected, nil
}

// Subscribe returns a channel receiving status snapshots after every
// transition, and a cancel function that must be called when the consumer is
// torn down. Slow consumers miss intermediate snapshots rather than block.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if existing, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(existing)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) notify(ctx context.Context) {
	status := m.Status(ctx)

	m.subMu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- status:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) setState(ctx context.Context, state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.notify(ctx)
}

// onSettingsChanged reacts to a credentials save or external edit: saving a
// complete triple lifts Unconfigured to Disconnected, removing it drops back.
func (m *Manager) onSettingsChanged() {
	ctx := context.Background()
	_, configured := m.settings.Get(ctx)

	m.mu.Lock()
	switch {
	case configured && m.state == StateUnconfigured:
		m.state = StateDisconnected
	case !configured && m.state != StateUnconfigured:
		m.state = StateUnconfigured
		m.pending = nil
		m.optimistic = false
		m.gen++
	}
	m.mu.Unlock()
	m.notify(ctx)
}
