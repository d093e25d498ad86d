// Package middleware provides HTTP middleware components for the feature store API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// publicEndpoints defines public endpoints that bypass authentication.
// These endpoints are accessible without API keys (e.g., K8s health probes, monitoring tools).
//
// Security note: Only health check endpoints should be in this map.
// Never add business logic endpoints to this bypass list.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup for health check endpoints.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}
)

// Authentication error types for granular error handling.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for an unrecognized key. Generic error
	// prevents enumeration attacks.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// TenantKeyStore maps a static API key to the tenant it authenticates.
// Unlike the durable stores in this service, it is a plain in-memory map
// loaded once from FEATURESTORE_API_KEYS at startup: the serving tier has
// no notion of key rotation, expiry, or per-key permissions.
type TenantKeyStore map[string]string

// extractAPIKey extracts the API key from request headers.
// It checks the X-Api-Key header first (primary), then falls back to
// Authorization: Bearer header (secondary).
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		return validateAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

// validateAPIKey rejects header-injection attempts and blank keys.
func validateAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap enables errors.Is/errors.As against the wrapped error type.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// lookupTenant finds the tenant for an API key using a constant-time
// comparison against every configured key, so a request's latency doesn't
// leak how close a guessed key is to a real one.
func lookupTenant(keys TenantKeyStore, apiKey string) (tenantID string, ok bool) {
	for key, tenant := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			tenantID, ok = tenant, true
		}
	}

	return tenantID, ok
}

// AuthenticateTenant creates an authentication middleware that validates API
// keys against a static key-to-tenant map and enriches the request context
// with PluginContext (the tenant-scoped identity the rest of the middleware
// chain, notably rate limiting, keys off).
func AuthenticateTenant(keys TenantKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			tenantID, ok := lookupTenant(keys, apiKey)
			if !ok {
				logger.Warn("authentication failed: key not recognized",
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)
				writeAuthError(w, r, logger, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"})

				return
			}

			pluginCtx := PluginContext{
				PluginID: tenantID,
				AuthTime: authStart,
			}
			ctx := SetPluginContext(r.Context(), pluginCtx)

			logger.Info("request authenticated",
				slog.String("tenant_id", tenantID),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized

	var authErr *AuthError
	if errors.As(err, &authErr) && errors.Is(authErr.Type, ErrInvalidAPIKey) {
		statusCode = http.StatusUnauthorized
	}

	if errors.As(err, &authErr) && errors.Is(authErr.Type, ErrMissingAPIKey) {
		w.Header().Set("WWW-Authenticate", "ApiKey")
	}

	logger.Warn("authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if writeErr := writeRFC7807Error(w, r, statusCode, err.Error(), correlationID); writeErr != nil {
		logger.Error("failed to write authentication error response",
			slog.String("correlation_id", correlationID),
			slog.Any("error", writeErr),
		)
		http.Error(w, err.Error(), statusCode)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without importing the api package.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, statusCode int, detail, correlationID string) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Authentication Failed"
	}

	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://feature-store.dev/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
