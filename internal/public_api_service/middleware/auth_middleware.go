package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedUserContextKey = ContextKey("authenticatedUser")
)

// AuthenticatedUser holds information about the authenticated user.
type AuthenticatedUser struct {
	Username string
}

// CredentialVerifier checks a username and password pair.
type CredentialVerifier interface {
	Verify(username, password string) bool
}

// UserFromContext returns the user stored by BasicAuthMiddleware.
func UserFromContext(ctx context.Context) (AuthenticatedUser, bool) {
	u, ok := ctx.Value(AuthenticatedUserContextKey).(AuthenticatedUser)
	return u, ok && u.Username != ""
}

// BasicAuthMiddleware authenticates requests with HTTP basic auth.
func BasicAuthMiddleware(verifier CredentialVerifier, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				logger.WarnContext(r.Context(), "Authorization header missing or not basic", "remote_addr", r.RemoteAddr)
				writeUnauthorized(w)
				return
			}
			if !verifier.Verify(username, password) {
				logger.WarnContext(r.Context(), "Invalid credentials", "username", username, "remote_addr", r.RemoteAddr)
				writeUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), AuthenticatedUserContextKey, AuthenticatedUser{Username: username})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// unauthorizedResponse mirrors the API's error envelope.
type unauthorizedResponse struct {
	Status       string  `json:"status"`
	MessageID    *string `json:"message_id"`
	Timestamp    string  `json:"timestamp"`
	To           *string `json:"to"`
	From         *string `json:"from"`
	Message      *string `json:"message"`
	Reply        any     `json:"reply"`
	ErrorCode    string  `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="sms-gateway"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(unauthorizedResponse{
		Status:       "failed",
		Timestamp:    time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		ErrorCode:    "AUTHENTICATION_REQUIRED",
		ErrorMessage: "Invalid credentials or missing Authorization header",
	})
}
