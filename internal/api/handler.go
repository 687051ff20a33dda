// Package api exposes the LedgerLink management API: credentials registration,
// connection lifecycle operations, tenant selection, resource loads, and a live
// status feed. The handlers delegate every connection decision to the
// connection manager; no route derives connection state on its own.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/complytrack/ledgerlink/internal/config"
	"github.com/complytrack/ledgerlink/internal/connection"
	"github.com/complytrack/ledgerlink/internal/logging"
	"github.com/complytrack/ledgerlink/internal/oauth"
	"github.com/complytrack/ledgerlink/internal/resource"
	"github.com/complytrack/ledgerlink/internal/settings"
	"github.com/complytrack/ledgerlink/internal/tenant"
)

// Recommended next actions attached to error payloads.
const (
	actionReconfigure  = "reconfigure"
	actionReconnect    = "reconnect"
	actionRetry        = "retry"
	actionSelectTenant = "select_tenant"
)

// Handler carries the collaborators behind the management API.
type Handler struct {
	cfg      *config.Config
	settings *settings.Store
	manager  *connection.Manager
	tenants  *tenant.Registry
	loader   *resource.Loader
}

// NewHandler creates the management API handler.
func NewHandler(cfg *config.Config, settingsStore *settings.Store, manager *connection.Manager, registry *tenant.Registry, loader *resource.Loader) *Handler {
	return &Handler{
		cfg:      cfg,
		settings: settingsStore,
		manager:  manager,
		tenants:  registry,
		loader:   loader,
	}
}

// Register wires all routes onto the engine. The OAuth callback and health
// probe stay outside the authenticated group: the provider redirect carries no
// management key.
func (h *Handler) Register(engine *gin.Engine) {
	engine.Use(logging.GinLogrusLogger(), logging.GinRecovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/v1/oauth/callback", h.OAuthCallback)

	v1 := engine.Group("/v1", APIKeyAuth(h.cfg.APIKeys))
	{
		v1.GET("/settings", h.GetSettings)
		v1.PUT("/settings", h.SaveSettings)
		v1.GET("/status", h.GetStatus)
		v1.POST("/connect", h.Connect)
		v1.POST("/disconnect", h.Disconnect)
		v1.POST("/reconcile", h.Reconcile)
		v1.GET("/tenants", h.ListTenants)
		v1.PUT("/tenants/selection", h.SelectTenant)
		v1.GET("/resources/:kind", h.LoadResource)
		v1.GET("/status/ws", h.StatusFeed)
	}
}

// GetSettings returns the registered credentials with the secret redacted.
func (h *Handler) GetSettings(c *gin.Context) {
	creds, ok := h.settings.Get(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no credentials configured", "next_action": actionReconfigure})
		return
	}
	redacted, err := RedactCredentials(creds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", redacted)
}

// SaveSettings validates and stores the credentials triple.
func (h *Handler) SaveSettings(c *gin.Context) {
	var creds settings.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "next_action": actionRetry})
		return
	}
	if err := h.settings.Save(c.Request.Context(), creds); err != nil {
		var validation *settings.ValidationError
		if errors.As(err, &validation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field, "next_action": actionReconfigure})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "next_action": actionRetry})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStatus returns the computed connection status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status(c.Request.Context()))
}

// Connect starts the authorization flow and returns the provider URL the user
// must visit.
func (h *Handler) Connect(c *gin.Context) {
	authURL, err := h.manager.StartAuth(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, connection.ErrNotConfigured):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "next_action": actionReconfigure})
		case errors.Is(err, connection.ErrAuthorizationInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "next_action": actionRetry})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "next_action": actionRetry})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

// Disconnect drops the connection locally, attempting provider-side
// revocation best-effort.
func (h *Handler) Disconnect(c *gin.Context) {
	h.manager.Disconnect(c.Request.Context())
	c.JSON(http.StatusOK, h.manager.Status(c.Request.Context()))
}

// Reconcile forces a server-authoritative status check ("refresh status").
func (h *Handler) Reconcile(c *gin.Context) {
	status, corrected, err := h.manager.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "next_action": actionRetry})
		return
	}
	response := gin.H{"status": status}
	if corrected {
		// Informational only: the disagreement is already resolved in the
		// server's favor.
		response["correction"] = connection.SyncCorrection{Detail: "local state corrected to match the provider"}
	}
	c.JSON(http.StatusOK, response)
}

// ListTenants returns the tenant organizations and the current selection.
func (h *Handler) ListTenants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tenants":            h.tenants.Tenants(),
		"selected_tenant_id": h.tenants.SelectedID(),
	})
}

// SelectTenant points the registry at one of the listed organizations.
func (h *Handler) SelectTenant(c *gin.Context) {
	var body struct {
		TenantID string `json:"tenant_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "next_action": actionRetry})
		return
	}
	if err := h.tenants.Select(c.Request.Context(), body.TenantID); err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "next_action": actionSelectTenant})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "next_action": actionRetry})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "selected_tenant_id": body.TenantID})
}

// LoadResource fetches an opaque resource collection for the selected tenant.
// Preconditions are enforced here so the loader itself stays stateless.
func (h *Handler) LoadResource(c *gin.Context) {
	ctx := c.Request.Context()

	status := h.manager.Status(ctx)
	if !status.IsConnected {
		c.JSON(http.StatusConflict, gin.H{"error": "not connected to the provider", "next_action": actionReconnect})
		return
	}
	tenantID := h.tenants.SelectedID()
	if tenantID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": connection.ErrNoTenantSelected.Error(), "next_action": actionSelectTenant})
		return
	}

	ts, err := h.manager.EnsureConnected(ctx)
	if err != nil {
		h.respondConnectionError(c, err)
		return
	}

	kind := c.Param("kind")
	records, err := h.loader.Load(ctx, kind, tenantID, ts)
	if errors.Is(err, resource.ErrUnauthorized) {
		// The provider stopped honoring the token even though it looked live.
		// One refresh attempt, then one reload with the fresh token.
		ts, err = h.manager.RecoverUnauthorized(ctx)
		if err != nil {
			h.respondConnectionError(c, err)
			return
		}
		records, err = h.loader.Load(ctx, kind, tenantID, ts)
	}
	if err != nil {
		switch {
		case errors.Is(err, resource.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, resource.ErrUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "next_action": actionReconnect})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "next_action": actionRetry})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "records": records})
}

func (h *Handler) respondConnectionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, connection.ErrNotConfigured):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "next_action": actionReconfigure})
	case errors.Is(err, connection.ErrNoConnection), errors.Is(err, oauth.ErrRefreshTokenRevoked):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "next_action": actionReconnect})
	case errors.Is(err, oauth.ErrNetworkFailure):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "next_action": actionRetry})
	default:
		log.WithError(err).Warn("connection operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "next_action": actionRetry})
	}
}
