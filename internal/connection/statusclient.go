package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/complytrack/ledgerlink/internal/tenant"
)

// statusRetryBackoff is the pause before the single retry of the status GET.
const statusRetryBackoff = 500 * time.Millisecond

// ServerStatus is the provider-side view of the connection, the authoritative
// input to reconciliation.
type ServerStatus struct {
	IsConnected    bool
	HasCredentials bool
	Tenants        []tenant.Tenant
}

// StatusClient fetches the authoritative connection status from the provider.
// The response shape is fixed but the transport is an opaque collaborator.
type StatusClient struct {
	url        string
	httpClient *http.Client
}

// NewStatusClient creates a status client for the given endpoint.
func NewStatusClient(url string, httpClient *http.Client) *StatusClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &StatusClient{url: url, httpClient: httpClient}
}

// Fetch performs the status GET, retrying once on transport failure. The GET
// is idempotent, so the single retry is safe.
func (c *StatusClient) Fetch(ctx context.Context, accessToken string) (*ServerStatus, error) {
	status, err := c.fetchOnce(ctx, accessToken)
	if err == nil {
		return status, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	log.WithError(err).Debug("status fetch failed, retrying once")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(statusRetryBackoff):
	}
	return c.fetchOnce(ctx, accessToken)
}

func (c *StatusClient) fetchOnce(ctx context.Context, accessToken string) (*ServerStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("status: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(accessToken) != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("status: read response: %w", err)
	}

	// An unauthorized status probe is itself an authoritative answer: the
	// provider does not recognize the presented connection.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ServerStatus{IsConnected: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	return parseServerStatus(body), nil
}

// parseServerStatus extracts the defined response shape from an otherwise
// opaque JSON document.
func parseServerStatus(body []byte) *ServerStatus {
	root := gjson.ParseBytes(body)
	status := &ServerStatus{
		IsConnected:    root.Get("isConnected").Bool(),
		HasCredentials: root.Get("hasCredentials").Bool(),
	}
	root.Get("tenants").ForEach(func(_, value gjson.Result) bool {
		id := value.Get("id").String()
		if id == "" {
			id = value.Get("tenantId").String()
		}
		name := value.Get("displayName").String()
		if name == "" {
			name = value.Get("name").String()
		}
		if id != "" {
			status.Tenants = append(status.Tenants, tenant.Tenant{ID: id, DisplayName: name})
		}
		return true
	})
	return status
}
