package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestParseServerStatus(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantConnected bool
		wantTenants   int
	}{
		{
			"connected with tenants",
			`{"isConnected":true,"hasCredentials":true,"tenants":[{"id":"org-1","displayName":"Alpha"},{"id":"org-2","displayName":"Beta"}]}`,
			true, 2,
		},
		{
			"alternate field names",
			`{"isConnected":true,"tenants":[{"tenantId":"org-1","name":"Alpha"}]}`,
			true, 1,
		},
		{
			"disconnected",
			`{"isConnected":false,"hasCredentials":true,"tenants":[]}`,
			false, 0,
		},
		{
			"tenant without id is dropped",
			`{"isConnected":true,"tenants":[{"displayName":"Nameless"}]}`,
			true, 0,
		},
		{
			"extra fields ignored",
			`{"isConnected":true,"plan":"premium","region":"eu","tenants":[{"id":"org-1","displayName":"Alpha"}]}`,
			true, 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseServerStatus([]byte(tt.body))
			if got.IsConnected != tt.wantConnected {
				t.Errorf("IsConnected: expected %v, got %v", tt.wantConnected, got.IsConnected)
			}
			if len(got.Tenants) != tt.wantTenants {
				t.Errorf("Tenants: expected %d, got %d", tt.wantTenants, len(got.Tenants))
			}
		})
	}
}

func TestStatusClient_UnauthorizedIsAuthoritative(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	status, err := NewStatusClient(server.URL, server.Client()).Fetch(context.Background(), "dead-token")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if status.IsConnected {
		t.Error("An unauthorized probe must read as disconnected, not as an error")
	}
}

func TestStatusClient_RetriesOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isConnected":true,"tenants":[{"id":"org-1","displayName":"Alpha"}]}`))
	}))
	defer server.Close()

	status, err := NewStatusClient(server.URL, server.Client()).Fetch(context.Background(), "at")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !status.IsConnected {
		t.Error("Expected the retried fetch to succeed")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", got)
	}
}

func TestStatusClient_SendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isConnected":true,"tenants":[]}`))
	}))
	defer server.Close()

	if _, err := NewStatusClient(server.URL, server.Client()).Fetch(context.Background(), "at-123"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotAuth != "Bearer at-123" {
		t.Errorf("Expected bearer header, got %q", gotAuth)
	}
}
