package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/complytrack/ledgerlink/internal/token"
)

func liveToken() *token.TokenSet {
	return &token.TokenSet{AccessToken: "at-live", RefreshToken: "rt", ExpiresIn: 1800}
}

func TestLoad_SendsAuthAndTenantHeaders(t *testing.T) {
	var gotAuth, gotTenant, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTenant = r.Header.Get("Ledger-Tenant-Id")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"inv-1","total":10}]}`))
	}))
	defer server.Close()

	records, err := NewLoader(server.URL, server.Client()).Load(context.Background(), "invoices", "org-1", liveToken())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gotAuth != "Bearer at-live" {
		t.Errorf("Expected bearer header, got %q", gotAuth)
	}
	if gotTenant != "org-1" {
		t.Errorf("Expected tenant header, got %q", gotTenant)
	}
	if gotPath != "/invoices" {
		t.Errorf("Expected /invoices path, got %q", gotPath)
	}
	if len(records) != 1 || records[0].ID != "inv-1" {
		t.Errorf("Unexpected records %+v", records)
	}
}

func TestLoad_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewLoader(server.URL, server.Client()).Load(context.Background(), "invoices", "org-1", liveToken())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestLoad_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewLoader(server.URL, server.Client()).Load(context.Background(), "unknown-kind", "org-1", liveToken())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLoad_EmptyKind(t *testing.T) {
	_, err := NewLoader("https://provider.example.com", nil).Load(context.Background(), "  ", "org-1", liveToken())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty kind, got %v", err)
	}
}

// flakyTransport fails the first n round trips, then delegates.
type flakyTransport struct {
	failures int32
	inner    http.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if atomic.AddInt32(&t.failures, -1) >= 0 {
		return nil, fmt.Errorf("simulated connection reset")
	}
	return t.inner.RoundTrip(req)
}

func TestLoad_RetriesOnceOnTransportFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"inv-1"}]}`))
	}))
	defer server.Close()

	client := &http.Client{Transport: &flakyTransport{failures: 1, inner: http.DefaultTransport}}
	records, err := NewLoader(server.URL, client).Load(context.Background(), "invoices", "org-1", liveToken())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected the retried load to return records, got %d", len(records))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected the server to be reached exactly once, got %d", got)
	}
}

func TestLoad_DoesNotRetryTwice(t *testing.T) {
	client := &http.Client{Transport: &flakyTransport{failures: 10, inner: http.DefaultTransport}}
	_, err := NewLoader("http://127.0.0.1:0", client).Load(context.Background(), "invoices", "org-1", liveToken())
	if !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("Expected ErrNetworkFailure after both attempts, got %v", err)
	}
}

func TestLoad_DoesNotRetryUnauthorized(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewLoader(server.URL, server.Client()).Load(context.Background(), "invoices", "org-1", liveToken())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Authorization failures must not be retried, got %d attempts", got)
	}
}

func TestParseRecords_ResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"records key", `{"records":[{"id":"a"},{"id":"b"}]}`, 2},
		{"kind key", `{"invoices":[{"id":"a"}]}`, 1},
		{"bare array", `[{"id":"a"},{"id":"b"},{"id":"c"}]`, 3},
		{"no collection", `{"message":"nothing here"}`, 0},
		{"empty records", `{"records":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRecords([]byte(tt.body), "invoices")
			if len(got) != tt.want {
				t.Errorf("Expected %d records, got %d", tt.want, len(got))
			}
		})
	}
}

func TestParseRecords_PreservesOpaquePayload(t *testing.T) {
	body := `{"records":[{"id":"inv-1","lines":[{"sku":"X","qty":2}],"total":42.5}]}`
	records := parseRecords([]byte(body), "invoices")
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	raw := string(records[0].Raw)
	if raw != `{"id":"inv-1","lines":[{"sku":"X","qty":2}],"total":42.5}` {
		t.Errorf("Payload must pass through untouched, got %s", raw)
	}
}
