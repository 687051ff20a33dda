package api

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/complytrack/ledgerlink/internal/connection"
	"github.com/complytrack/ledgerlink/internal/oauth"
)

// Minimal pages rendered to the browser tab the provider redirects into.
const (
	callbackSuccessHTML = `<!DOCTYPE html>
<html><head><title>Connected</title></head>
<body><h1>Connection established</h1><p>You can close this window and return to the application.</p></body></html>`

	callbackFailureHTML = `<!DOCTYPE html>
<html><head><title>Connection failed</title></head>
<body><h1>Connection failed</h1><p>%s</p></body></html>`
)

// OAuthCallback handles the provider redirect at the end of the authorization
// flow. The route is unauthenticated: the redirect carries no management key,
// and the anti-forgery state is the only accepted proof of an initiated flow.
func (h *Handler) OAuthCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	providerError := c.Query("error")

	err := h.manager.HandleCallback(c.Request.Context(), code, state, providerError)
	if err == nil {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(callbackSuccessHTML))
		return
	}

	message := "Authorization failed. Please try connecting again from the application."
	status := http.StatusBadRequest
	switch {
	case connection.IsSecurityError(err):
		message = "The authorization response could not be verified. Please start a new connection attempt."
	case errors.Is(err, oauth.ErrExpiredOrUsedCode):
		message = "The authorization code expired or was already used. Please try connecting again."
	case errors.Is(err, oauth.ErrInvalidCredentials):
		message = "The provider rejected the application credentials. Please review the configured client id and secret."
	case errors.Is(err, oauth.ErrNetworkFailure):
		message = "The provider could not be reached to complete the connection. Please try again."
		status = http.StatusBadGateway
	}
	c.Data(status, "text/html; charset=utf-8", []byte(formatFailurePage(message)))
}

func formatFailurePage(message string) string {
	return fmt.Sprintf(callbackFailureHTML, html.EscapeString(message))
}
