package connection

import "time"

// State is the lifecycle state of the provider connection.
type State string

// Connection lifecycle states.
const (
	// StateUnconfigured means no complete credentials triple is registered.
	StateUnconfigured State = "unconfigured"
	// StateDisconnected means credentials exist but no live connection does.
	StateDisconnected State = "disconnected"
	// StateAuthorizing means an authorization redirect is outstanding.
	StateAuthorizing State = "authorizing"
	// StateConnected means the provider confirmed a live connection.
	StateConnected State = "connected"
	// StateTokenExpired means the access token lapsed and a refresh is due.
	StateTokenExpired State = "token_expired"
	// StateReconciling means a server-authoritative status check is running.
	StateReconciling State = "reconciling"
)

// Status is the computed, never directly mutated, view of the connection
// exposed to every consumer. IsConnected reflects the last value obtained from
// reconciliation with the provider, not a client-only computation, except in
// the brief optimistic window between a successful code exchange and the first
// reconciliation.
type Status struct {
	State            State     `json:"state"`
	IsConfigured     bool      `json:"is_configured"`
	IsConnected      bool      `json:"is_connected"`
	TenantCount      int       `json:"tenant_count"`
	SelectedTenantID string    `json:"selected_tenant_id,omitempty"`
	LastCheckedAt    time.Time `json:"last_checked_at,omitzero"`
	// AuthorizationPending reports whether an authorization redirect is
	// outstanding, for presentation code that needs an in-flight flag.
	AuthorizationPending bool `json:"authorization_pending"`
}
