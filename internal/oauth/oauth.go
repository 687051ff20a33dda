// Package oauth implements the OAuth2 authorization-code exchange against the
// accounting provider: building the authorization redirect, exchanging the
// single-use code for tokens, and refreshing expired tokens. The controller is
// stateless; the connection state machine owns sequencing and persistence.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/complytrack/ledgerlink/internal/config"
	"github.com/complytrack/ledgerlink/internal/settings"
	"github.com/complytrack/ledgerlink/internal/token"
)

// Controller drives the provider's OAuth2 endpoints.
type Controller struct {
	endpoint   oauth2.Endpoint
	revokeURL  string
	scopes     []string
	httpClient *http.Client
}

// NewController creates a flow controller for the configured provider.
//
// Parameters:
//   - cfg: The application configuration carrying the provider endpoints
//   - httpClient: The outbound HTTP client (proxy-aware); nil uses a default
//
// Returns:
//   - *Controller: A new flow controller instance
func NewController(cfg *config.Config, httpClient *http.Client) *Controller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Controller{
		endpoint: oauth2.Endpoint{
			AuthURL:  cfg.Provider.AuthURL,
			TokenURL: cfg.Provider.TokenURL,
		},
		revokeURL:  cfg.Provider.RevokeURL,
		scopes:     append([]string(nil), cfg.Provider.Scopes...),
		httpClient: httpClient,
	}
}

func (c *Controller) oauthConfig(creds *settings.Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Endpoint:     c.endpoint,
		Scopes:       c.scopes,
	}
}

// clientContext routes all x/oauth2 traffic through the controller's HTTP client.
func (c *Controller) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// BuildAuthorizationURL returns the provider authorization URL embedding the
// client id, redirect URI, requested scopes, and the anti-forgery state.
// Pure and deterministic given its inputs.
func (c *Controller) BuildAuthorizationURL(creds *settings.Credentials, state string) string {
	return c.oauthConfig(creds).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode exchanges the authorization code for a token set. The code is
// single-use, so the exchange is never retried here; the error taxonomy lets
// the state machine decide what to surface.
func (c *Controller) ExchangeCode(ctx context.Context, code string, creds *settings.Credentials) (*token.TokenSet, error) {
	tok, err := c.oauthConfig(creds).Exchange(c.clientContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError(err, false)
	}
	return tokenSetFromOAuth2(tok, ""), nil
}

// Refresh exchanges the refresh token for a fresh token set. When the provider
// rotates the refresh token the new value is returned; otherwise the previous
// one is carried over.
func (c *Controller) Refresh(ctx context.Context, ts *token.TokenSet, creds *settings.Credentials) (*token.TokenSet, error) {
	if ts == nil || strings.TrimSpace(ts.RefreshToken) == "" {
		return nil, fmt.Errorf("%w: no refresh token available", ErrRefreshTokenRevoked)
	}
	source := c.oauthConfig(creds).TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: ts.RefreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, classifyTokenError(err, true)
	}
	return tokenSetFromOAuth2(tok, ts.RefreshToken), nil
}

// Revoke asks the provider to revoke the refresh token. Disconnection is a
// local operation; revocation is best-effort and failures are only logged by
// the caller.
func (c *Controller) Revoke(ctx context.Context, ts *token.TokenSet, creds *settings.Credentials) error {
	if strings.TrimSpace(c.revokeURL) == "" || ts == nil {
		return nil
	}
	form := url.Values{
		"token":           {ts.RefreshToken},
		"token_type_hint": {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("oauth: create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.ClientID, creds.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("oauth: revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// tokenSetFromOAuth2 converts an x/oauth2 token, keeping the previous refresh
// token when the provider did not rotate it.
func tokenSetFromOAuth2(tok *oauth2.Token, previousRefresh string) *token.TokenSet {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	expiresIn := int(tok.ExpiresIn)
	if expiresIn <= 0 && !tok.Expiry.IsZero() {
		expiresIn = int(time.Until(tok.Expiry) / time.Second)
	}
	return &token.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn,
	}
}

// classifyTokenError maps token-endpoint failures onto the package taxonomy.
func classifyTokenError(err error, refreshing bool) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		code := strings.ToLower(strings.TrimSpace(retrieve.ErrorCode))
		switch code {
		case "invalid_grant":
			if refreshing {
				return fmt.Errorf("%w: %s", ErrRefreshTokenRevoked, retrieve.ErrorDescription)
			}
			return fmt.Errorf("%w: %s", ErrExpiredOrUsedCode, retrieve.ErrorDescription)
		case "invalid_client", "unauthorized_client":
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, retrieve.ErrorDescription)
		}
		switch retrieve.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrInvalidCredentials, retrieve.Response.StatusCode)
		case http.StatusBadRequest:
			if refreshing {
				return fmt.Errorf("%w: status %d", ErrRefreshTokenRevoked, retrieve.Response.StatusCode)
			}
			return fmt.Errorf("%w: status %d", ErrExpiredOrUsedCode, retrieve.Response.StatusCode)
		}
		return fmt.Errorf("oauth: token endpoint failed: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
}
