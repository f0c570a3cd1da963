package ucp

import (
	"net/http"
	"time"

	"github.com/sumup/ucp/internal/logger"
	"github.com/sumup/ucp/signature"
)

// DefaultTenant owns every request when no [Authenticator] is configured.
const DefaultTenant = "default"

type config struct {
	signatureVerifier     signature.Verifier
	detachedVerifier      signature.Verifier
	maxClockSkew          time.Duration
	requireSignedRequests bool
	middleware            []Middleware
	authenticator         Authenticator
	defaultTenant         string
	clock                 func() time.Time
	log                   *logger.Logger
}

type Middleware func(http.HandlerFunc) http.HandlerFunc

func applyMiddleware(h http.HandlerFunc, middleware ...Middleware) http.HandlerFunc {
	for _, m := range middleware {
		h = m(h)
	}
	return h
}

// Option customizes the handler behavior.
type Option func(*config)

// WithSignatureVerifier enables HMAC signatures over canonical JSON carried
// in the Signature and Timestamp headers.
func WithSignatureVerifier(verifier signature.Verifier) Option {
	return func(cfg *config) {
		cfg.signatureVerifier = verifier
	}
}

// WithDetachedSignatureVerifier enables detached JWS signatures carried in
// the Request-Signature header.
func WithDetachedSignatureVerifier(verifier signature.Verifier) Option {
	return func(cfg *config) {
		cfg.detachedVerifier = verifier
	}
}

// WithMaxClockSkew sets the tolerated absolute difference between the
// Timestamp header and the server clock when verifying signed requests.
func WithMaxClockSkew(skew time.Duration) Option {
	if skew <= 0 {
		panic("ucp: max clock skew must be positive")
	}
	return func(cfg *config) {
		cfg.maxClockSkew = skew
	}
}

// WithRequireSignedRequests enforces that every request carries a signature
// when a verifier is configured.
func WithRequireSignedRequests() Option {
	return func(cfg *config) {
		cfg.requireSignedRequests = true
	}
}

// WithMiddleware appends custom middleware in the order provided.
func WithMiddleware(mw ...Middleware) Option {
	return func(cfg *config) {
		for _, m := range mw {
			if m == nil {
				continue
			}
			cfg.middleware = append(cfg.middleware, m)
		}
	}
}

// WithAuthenticator enables Authorization header API key validation. The
// authenticator also decides which tenant the request acts for.
func WithAuthenticator(auth Authenticator) Option {
	return func(cfg *config) {
		cfg.authenticator = auth
	}
}

// WithDefaultTenant sets the tenant used when no authenticator is configured.
func WithDefaultTenant(tenantID string) Option {
	return func(cfg *config) {
		if tenantID != "" {
			cfg.defaultTenant = tenantID
		}
	}
}

// WithLogger logs requests and internal errors.
func WithLogger(l *logger.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.log = l
		}
	}
}

// withClock provides deterministic time in tests.
func withClock(fn func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = fn
	}
}
