// Package tenant tracks the remote organizations available to the connected
// credentials and the single selected one. The tenant list is a session-scoped
// projection rebuilt from the provider; only the selection is persisted, and it
// is paired to the authorization that produced it so a fresh connection never
// inherits a stale choice.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/complytrack/ledgerlink/internal/store"
)

// ErrTenantNotFound is returned when a selection names an id that is not in
// the current tenant list.
var ErrTenantNotFound = errors.New("tenant: not found in current organization list")

// Tenant is one remote organization accessible under the authorized connection.
type Tenant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// selectionRecord is the persisted shape of the current selection.
type selectionRecord struct {
	TenantID string `json:"tenant_id"`
	// Scope pairs the selection to the authorization that produced it.
	Scope string `json:"scope"`
}

// Registry owns the tenant list and the selection pointer.
// Invariant: a non-empty selection always references an id present in the
// current list; list replacement clears a selection that would dangle.
type Registry struct {
	mu         sync.RWMutex
	backend    store.Backend
	tenants    []Tenant
	selectedID string
	scope      string
}

// NewRegistry creates a registry over the given backend.
func NewRegistry(backend store.Backend) *Registry {
	return &Registry{backend: backend}
}

// ScopeKey derives the pairing key for a token: stable across access-token
// refreshes, different for every fresh authorization.
func ScopeKey(refreshToken string) string {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:8])
}

// BindScope sets the active pairing scope and restores a persisted selection
// when it was made under the same scope. A selection recorded under a
// different scope is discarded.
func (r *Registry) BindScope(ctx context.Context, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scope = scope
	r.selectedID = ""
	if scope == "" {
		return
	}

	data, err := r.backend.Load(ctx, store.RecordTenantSelection)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("tenant: failed to load persisted selection")
		}
		return
	}
	var rec selectionRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		log.Warn("tenant: persisted selection is malformed, discarding")
		_ = r.backend.Delete(ctx, store.RecordTenantSelection)
		return
	}
	if rec.Scope != scope {
		log.Debug("tenant: persisted selection belongs to a previous authorization, discarding")
		_ = r.backend.Delete(ctx, store.RecordTenantSelection)
		return
	}
	r.selectedID = rec.TenantID
}

// SetTenants replaces the tenant list. A current selection absent from the new
// list is cleared, never left dangling. When the new list contains exactly one
// tenant and nothing is selected, that tenant is selected as the degenerate
// default.
func (r *Registry) SetTenants(ctx context.Context, list []Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tenants = append([]Tenant(nil), list...)

	if r.selectedID != "" && !containsTenant(r.tenants, r.selectedID) {
		log.WithField("tenant", r.selectedID).Info("tenant: previous selection no longer available, clearing")
		r.selectedID = ""
		_ = r.backend.Delete(ctx, store.RecordTenantSelection)
	}
	if r.selectedID == "" && len(r.tenants) == 1 {
		r.selectedID = r.tenants[0].ID
		r.persistSelectionLocked(ctx)
	}
}

// Tenants returns a copy of the current tenant list.
func (r *Registry) Tenants() []Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Tenant(nil), r.tenants...)
}

// Count returns the number of known tenants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// Select points the registry at the given tenant id and persists the choice.
func (r *Registry) Select(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("tenant: id is empty: %w", ErrTenantNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !containsTenant(r.tenants, id) {
		return fmt.Errorf("tenant: %s: %w", id, ErrTenantNotFound)
	}
	r.selectedID = id
	r.persistSelectionLocked(ctx)
	return nil
}

// SelectedID returns the id of the selected tenant, or empty when none is selected.
func (r *Registry) SelectedID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedID
}

// Reset drops the tenant list, the selection, and the persisted record.
// Called on disconnect and when reconciliation reports a dead connection.
func (r *Registry) Reset(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tenants = nil
	r.selectedID = ""
	r.scope = ""
	_ = r.backend.Delete(ctx, store.RecordTenantSelection)
}

func (r *Registry) persistSelectionLocked(ctx context.Context) {
	if r.scope == "" {
		return
	}
	data, err := json.Marshal(&selectionRecord{TenantID: r.selectedID, Scope: r.scope})
	if err != nil {
		return
	}
	if err = r.backend.Save(ctx, store.RecordTenantSelection, data); err != nil {
		log.WithError(err).Warn("tenant: failed to persist selection")
	}
}

func containsTenant(list []Tenant, id string) bool {
	for _, t := range list {
		if t.ID == id {
			return true
		}
	}
	return false
}
