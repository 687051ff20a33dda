// Package resource performs authenticated fetches of provider resources
// (invoices, contacts, and the rest) without interpreting their schema. The
// loader is stateless: the caller guarantees a live connection and a selected
// tenant, which keeps this a trivially testable function.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/complytrack/ledgerlink/internal/token"
)

// loadRetryBackoff is the pause before the single retry of a resource GET.
const loadRetryBackoff = 500 * time.Millisecond

var (
	// ErrUnauthorized means the provider rejected the access token. Callers
	// propagate it upward as the signal to re-enter the token-expired path.
	ErrUnauthorized = errors.New("resource: provider rejected the access token")

	// ErrNotFound means the resource kind or tenant is unknown to the provider.
	ErrNotFound = errors.New("resource: not found")

	// ErrNetworkFailure wraps transport-level failures.
	ErrNetworkFailure = errors.New("resource: provider unreachable")
)

// Record is one opaque resource row. The identifier is extracted when the
// provider supplies one; the payload is passed through untouched.
type Record struct {
	ID  string          `json:"id,omitempty"`
	Raw json.RawMessage `json:"raw"`
}

// Loader fetches resource collections from the provider.
type Loader struct {
	baseURL    string
	httpClient *http.Client
}

// NewLoader creates a loader rooted at the provider's resource base URL.
func NewLoader(baseURL string, httpClient *http.Client) *Loader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Load fetches all records of the given kind for the tenant. The GET is
// idempotent and retried once on transport failure; authorization failures are
// never retried here because the token needs refreshing first.
func (l *Loader) Load(ctx context.Context, kind, tenantID string, ts *token.TokenSet) ([]Record, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, fmt.Errorf("%w: empty resource kind", ErrNotFound)
	}

	records, err := l.loadOnce(ctx, kind, tenantID, ts)
	if err == nil || !errors.Is(err, ErrNetworkFailure) || ctx.Err() != nil {
		return records, err
	}
	log.WithError(err).WithField("kind", kind).Debug("resource load failed, retrying once")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(loadRetryBackoff):
	}
	return l.loadOnce(ctx, kind, tenantID, ts)
}

func (l *Loader) loadOnce(ctx context.Context, kind, tenantID string, ts *token.TokenSet) ([]Record, error) {
	endpoint := l.baseURL + "/" + url.PathEscape(kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("resource: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+ts.AccessToken)
	if strings.TrimSpace(tenantID) != "" {
		req.Header.Set("Ledger-Tenant-Id", tenantID)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetworkFailure, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, kind)
	default:
		return nil, fmt.Errorf("resource: provider returned %d for %s", resp.StatusCode, kind)
	}

	return parseRecords(body, kind), nil
}

// parseRecords extracts the record list from an opaque response document. The
// provider wraps collections either under a "records" key, under a key named
// after the resource kind, or as a bare top-level array.
func parseRecords(body []byte, kind string) []Record {
	root := gjson.ParseBytes(body)

	list := root.Get("records")
	if !list.IsArray() {
		list = root.Get(kind)
	}
	if !list.IsArray() && root.IsArray() {
		list = root
	}
	if !list.IsArray() {
		return nil
	}

	var records []Record
	list.ForEach(func(_, value gjson.Result) bool {
		id := value.Get("id").String()
		records = append(records, Record{
			ID:  id,
			Raw: json.RawMessage(value.Raw),
		})
		return true
	})
	return records
}
