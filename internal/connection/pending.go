package connection

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// pendingTTL bounds the lifetime of an outstanding authorization. A callback
// arriving after this window is rejected even when the state matches, which
// blocks browser-back-button replays of long-abandoned flows.
const pendingTTL = 10 * time.Minute

// pendingAuthorization is the short-lived anti-forgery record created when
// authorization starts. It is consumed exactly once by the matching callback.
// The id correlates log lines of one flow; the state is the secret.
type pendingAuthorization struct {
	id        string
	state     string
	createdAt time.Time
	expiresAt time.Time
}

func newPendingAuthorization(now time.Time) (*pendingAuthorization, error) {
	state, err := generateState()
	if err != nil {
		return nil, err
	}
	return &pendingAuthorization{
		id:        uuid.NewString(),
		state:     state,
		createdAt: now,
		expiresAt: now.Add(pendingTTL),
	}, nil
}

// matches compares the incoming state against the pending value in constant time.
func (p *pendingAuthorization) matches(state string) bool {
	return subtle.ConstantTimeCompare([]byte(p.state), []byte(state)) == 1
}

func (p *pendingAuthorization) expired(now time.Time) bool {
	return now.After(p.expiresAt)
}

// generateState creates a cryptographically random, URL-safe state value.
func generateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("connection: generate state: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}
