package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/complytrack/ledgerlink/internal/config"
	"github.com/complytrack/ledgerlink/internal/connection"
	"github.com/complytrack/ledgerlink/internal/oauth"
	"github.com/complytrack/ledgerlink/internal/resource"
	"github.com/complytrack/ledgerlink/internal/settings"
	"github.com/complytrack/ledgerlink/internal/store"
	"github.com/complytrack/ledgerlink/internal/tenant"
	"github.com/complytrack/ledgerlink/internal/token"
)

type apiFixture struct {
	engine   *gin.Engine
	settings *settings.Store
	manager  *connection.Manager
	tenants  *tenant.Registry
	provider *httptest.Server
}

// newAPIFixture wires the full handler stack over a fake provider that reports
// a connected account with two tenant organizations.
func newAPIFixture(t *testing.T, apiKeys []string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-fresh","refresh_token":"rt-fresh","token_type":"Bearer","expires_in":1800}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isConnected":true,"hasCredentials":true,"tenants":[{"id":"org-1","displayName":"Alpha"},{"id":"org-2","displayName":"Beta"}]}`))
	})
	mux.HandleFunc("/resources/invoices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"inv-1","total":10}]}`))
	})
	provider := httptest.NewServer(mux)
	t.Cleanup(provider.Close)

	backend, err := store.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	cfg := &config.Config{APIKeys: apiKeys}
	cfg.Provider.AuthURL = provider.URL + "/authorize"
	cfg.Provider.TokenURL = provider.URL + "/token"
	cfg.Provider.StatusURL = provider.URL + "/status"
	cfg.Provider.ResourceURL = provider.URL + "/resources"

	settingsStore := settings.NewStore(backend)
	tokenStore := token.NewStore(backend)
	registry := tenant.NewRegistry(backend)
	flow := oauth.NewController(cfg, provider.Client())
	statusClient := connection.NewStatusClient(cfg.Provider.StatusURL, provider.Client())
	loader := resource.NewLoader(cfg.Provider.ResourceURL, provider.Client())

	manager := connection.NewManager(settingsStore, tokenStore, registry, flow, statusClient, 0)
	manager.Init(context.Background())

	engine := gin.New()
	NewHandler(cfg, settingsStore, manager, registry, loader).Register(engine)

	return &apiFixture{
		engine:   engine,
		settings: settingsStore,
		manager:  manager,
		tenants:  registry,
		provider: provider,
	}
}

func (f *apiFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) saveCredentials(t *testing.T) {
	t.Helper()
	w := f.request(t, http.MethodPut, "/v1/settings",
		`{"client_id":"client-123","client_secret":"secret-456","redirect_uri":"https://app.example.com/v1/oauth/callback"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /v1/settings: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// connect drives the full authorization flow through the HTTP surface.
func (f *apiFixture) connect(t *testing.T) {
	t.Helper()
	w := f.request(t, http.MethodPost, "/v1/connect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /v1/connect: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	authURL := gjson.Get(w.Body.String(), "authorization_url").String()
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Parse authorization URL: %v", err)
	}
	state := parsed.Query().Get("state")

	w = f.request(t, http.MethodGet, "/v1/oauth/callback?code=auth-code-1&state="+url.QueryEscape(state), "")
	if w.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.request(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestSaveSettings_ValidationFailure(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.request(t, http.MethodPut, "/v1/settings",
		`{"client_id":"client-123","client_secret":"","redirect_uri":"https://app.example.com/cb"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	body := w.Body.String()
	if gjson.Get(body, "field").String() != "client_secret" {
		t.Errorf("Expected rejected field in response, got %s", body)
	}
	if gjson.Get(body, "next_action").String() != "reconfigure" {
		t.Errorf("Expected reconfigure hint, got %s", body)
	}
}

func TestGetSettings_RedactsSecret(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)

	w := f.request(t, http.MethodGet, "/v1/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if gjson.Get(body, "client_secret").String() != "***" {
		t.Errorf("Expected redacted secret, got %s", body)
	}
	if strings.Contains(body, "secret-456") {
		t.Error("The raw secret must never appear in a response")
	}
	if gjson.Get(body, "client_id").String() != "client-123" {
		t.Errorf("Expected client id to pass through, got %s", body)
	}
}

func TestGetSettings_NotConfigured(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.request(t, http.MethodGet, "/v1/settings", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when unconfigured, got %d", w.Code)
	}
}

func TestConnect_Unconfigured(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.request(t, http.MethodPost, "/v1/connect", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "next_action").String() != "reconfigure" {
		t.Errorf("Expected reconfigure hint, got %s", w.Body.String())
	}
}

func TestConnect_SecondAttemptConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)

	if w := f.request(t, http.MethodPost, "/v1/connect", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w := f.request(t, http.MethodPost, "/v1/connect", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while an authorization is pending, got %d", w.Code)
	}
}

func TestFullFlow_ConnectSelectLoad(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)
	f.connect(t)

	w := f.request(t, http.MethodGet, "/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/status: expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !gjson.Get(body, "is_connected").Bool() {
		t.Errorf("Expected connected status, got %s", body)
	}
	if gjson.Get(body, "tenant_count").Int() != 2 {
		t.Errorf("Expected 2 tenants, got %s", body)
	}

	w = f.request(t, http.MethodPut, "/v1/tenants/selection", `{"tenant_id":"org-2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT selection: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = f.request(t, http.MethodGet, "/v1/resources/invoices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET resources: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gjson.Get(w.Body.String(), "records.#").Int() != 1 {
		t.Errorf("Expected 1 record, got %s", w.Body.String())
	}
}

func TestReconcile_ReportsCorrection(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)

	// The fake provider reports connected while no local token exists, which
	// reconciliation surfaces as a correction.
	w := f.request(t, http.MethodPost, "/v1/reconcile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !gjson.Get(body, "correction").Exists() {
		t.Errorf("Expected a correction notice, got %s", body)
	}
	if !gjson.Get(body, "status.is_connected").Bool() {
		t.Errorf("Expected the reconciled status to be connected, got %s", body)
	}
}

func TestSelectTenant_Unknown(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)
	f.connect(t)

	w := f.request(t, http.MethodPut, "/v1/tenants/selection", `{"tenant_id":"org-nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "next_action").String() != "select_tenant" {
		t.Errorf("Expected select_tenant hint, got %s", w.Body.String())
	}
}

func TestLoadResource_NotConnected(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)

	w := f.request(t, http.MethodGet, "/v1/resources/invoices", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 when not connected, got %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "next_action").String() != "reconnect" {
		t.Errorf("Expected reconnect hint, got %s", w.Body.String())
	}
}

func TestLoadResource_NoTenantSelected(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)
	f.connect(t)

	// Two tenants are available, none auto-selected.
	w := f.request(t, http.MethodGet, "/v1/resources/invoices", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 without a tenant selection, got %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "next_action").String() != "select_tenant" {
		t.Errorf("Expected select_tenant hint, got %s", w.Body.String())
	}
}

func TestOAuthCallback_ForgedState(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.saveCredentials(t)

	if w := f.request(t, http.MethodPost, "/v1/connect", ""); w.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d", w.Code)
	}
	w := f.request(t, http.MethodGet, "/v1/oauth/callback?code=auth-code-1&state=forged", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for forged state, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected an HTML page for the browser tab, got %q", ct)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	f := newAPIFixture(t, []string{"key-abc"})

	// Missing key is rejected.
	if w := f.request(t, http.MethodGet, "/v1/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a key, got %d", w.Code)
	}

	// Bearer token is accepted.
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer key-abc")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with bearer key, got %d", w.Code)
	}

	// X-Api-Key header is accepted too.
	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-Api-Key", "key-abc")
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with X-Api-Key, got %d", w.Code)
	}

	// The OAuth callback stays reachable without a key.
	if w = f.request(t, http.MethodGet, "/v1/oauth/callback?state=x", ""); w.Code == http.StatusUnauthorized {
		t.Error("The provider redirect must not require a management key")
	}
}
