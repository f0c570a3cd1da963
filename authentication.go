package ucp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnknownAPIKey is returned by [APIKeys] for keys it does not hold.
var ErrUnknownAPIKey = errors.New("unknown API key")

// Authenticator validates Authorization header API keys before the request
// reaches the engine and returns the tenant the key belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (tenantID string, err error)
}

// AuthenticatorFunc lifts bare functions into [Authenticator].
type AuthenticatorFunc func(ctx context.Context, apiKey string) (string, error)

// Authenticate validates the API key using the wrapped function.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, apiKey string) (string, error) {
	return f(ctx, apiKey)
}

// APIKeys is a static key to tenant table.
type APIKeys map[string]string

// Authenticate compares apiKey against every configured key in constant time.
func (k APIKeys) Authenticate(_ context.Context, apiKey string) (string, error) {
	for key, tenant := range k {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return tenant, nil
		}
	}
	return "", ErrUnknownAPIKey
}

func (h *Handler) authenticationMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.authenticator == nil {
			next(w, r.WithContext(withTenant(r.Context(), h.cfg.defaultTenant)))
			return
		}
		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if authHeader == "" {
			writeJSONError(w, NewHTTPError(http.StatusUnauthorized, InvalidRequest, MissingAuthorization, "Authorization header is required"))
			return
		}
		schema, apiKey, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(schema, "Bearer") {
			writeJSONError(w, NewHTTPError(http.StatusUnauthorized, InvalidRequest, InvalidAuthorization, "Authorization header must be in the format 'Bearer <api_key>'"))
			return
		}
		if apiKey == "" {
			writeJSONError(w, NewHTTPError(http.StatusUnauthorized, InvalidRequest, InvalidAuthorization, "API key is required"))
			return
		}
		tenant, err := h.cfg.authenticator.Authenticate(r.Context(), apiKey)
		if err != nil {
			var httpErr *Error
			if errors.As(err, &httpErr) {
				writeJSONError(w, httpErr)
				return
			}
			writeJSONError(w, NewHTTPError(http.StatusUnauthorized, InvalidRequest, InvalidAuthorization, "invalid API key"))
			return
		}
		if tenant == "" {
			tenant = h.cfg.defaultTenant
		}
		next(w, r.WithContext(withTenant(r.Context(), tenant)))
	}
}
