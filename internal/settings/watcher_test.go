package settings

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/complytrack/ledgerlink/internal/store"
)

func TestWatch_PicksUpExternalEdit(t *testing.T) {
	s, backend := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Save(ctx, validCredentials()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	changed := make(chan struct{}, 1)
	s.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	// Give the watcher a moment to register before mutating the directory.
	time.Sleep(100 * time.Millisecond)

	path := backend.Path(store.RecordCredentials)
	edit := `{"client_id":"edited","client_secret":"s","redirect_uri":"https://app.example.com/cb"}`
	if err := os.WriteFile(path, []byte(edit), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected the watcher to pick up the external edit")
	}

	got, ok := s.Get(ctx)
	if !ok || got.ClientID != "edited" {
		t.Errorf("Expected reloaded credentials, got %+v ok=%v", got, ok)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Watch did not stop on context cancel")
	}
}
