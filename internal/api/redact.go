package api

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/complytrack/ledgerlink/internal/settings"
)

// redactedPlaceholder replaces secret values in API responses.
const redactedPlaceholder = "***"

// RedactCredentials serializes credentials for API consumption with the client
// secret masked. Secrets enter the service through PUT and never leave it.
func RedactCredentials(creds *settings.Credentials) ([]byte, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("api: marshal credentials: %w", err)
	}
	redacted, err := sjson.SetBytes(raw, "client_secret", redactedPlaceholder)
	if err != nil {
		return nil, fmt.Errorf("api: redact credentials: %w", err)
	}
	return redacted, nil
}
