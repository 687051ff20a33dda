package oauth

import "errors"

// Exchange and refresh failures are mapped onto this taxonomy so callers can
// choose the right recovery. None of these are retried automatically: an
// authorization code is single-use, and repeating a bad refresh risks
// revocation loops at the provider.
var (
	// ErrExpiredOrUsedCode means the provider rejected an authorization code
	// that was already consumed or is past its short validity window. The
	// user should start the connection flow again.
	ErrExpiredOrUsedCode = errors.New("oauth: authorization code expired or already used")

	// ErrInvalidCredentials means the registered client id/secret pair was
	// rejected. The user should reconfigure the application credentials.
	ErrInvalidCredentials = errors.New("oauth: provider rejected the client credentials")

	// ErrRefreshTokenRevoked means the provider no longer honors the stored
	// refresh token. The local token set must be cleared.
	ErrRefreshTokenRevoked = errors.New("oauth: refresh token revoked")

	// ErrNetworkFailure wraps transport-level failures reaching the provider.
	ErrNetworkFailure = errors.New("oauth: provider unreachable")
)
