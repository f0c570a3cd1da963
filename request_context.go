package ucp

import (
	"context"
	"net/http"
	"strings"
)

// AgentHeader identifies the agent platform acting for the buyer.
const AgentHeader = "UCP-Agent"

type RequestContext struct {
	// API Key used to make requests
	//
	// Example: Bearer api_key_123
	Authorization string
	// The preferred locale for content like messages and errors
	//
	// Example: en-US
	AcceptLanguage string
	// Information about the client making this request
	//
	// Example: ShoppingAgent/1.0 (Linux; x86_64)
	UserAgent string
	// Agent profile acting for the buyer, from the UCP-Agent header.
	//
	// Example: profile="https://agent.example/.well-known/ucp"
	Agent string
	// Key used to ensure requests are idempotent
	//
	// Example: idempotency_key_123
	IdempotencyKey string
	// Unique key for each request for tracing purposes
	//
	// Example: request_id_123
	RequestID string
	// Base64 encoded HMAC of the request body
	//
	// Example: eyJtZX...
	Signature string
	// Detached JWS over the request body
	//
	// Example: eyJhbGciOiJFUzI1NiIs...
	RequestSignature string
	// Formatted as an RFC 3339 string.
	//
	// Example: 2025-09-25T10:30:00Z
	Timestamp string
	// API version
	//
	// Example: 2026-01-11
	APIVersion string
	// Tenant resolved by authentication.
	TenantID string
}

func requestContextFromRequest(r *http.Request) *RequestContext {
	return &RequestContext{
		Authorization:    strings.TrimSpace(r.Header.Get("Authorization")),
		AcceptLanguage:   strings.TrimSpace(r.Header.Get("Accept-Language")),
		UserAgent:        strings.TrimSpace(r.Header.Get("User-Agent")),
		Agent:            strings.TrimSpace(r.Header.Get(AgentHeader)),
		IdempotencyKey:   strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		RequestID:        strings.TrimSpace(r.Header.Get("Request-Id")),
		Signature:        strings.TrimSpace(r.Header.Get("Signature")),
		RequestSignature: strings.TrimSpace(r.Header.Get("Request-Signature")),
		Timestamp:        strings.TrimSpace(r.Header.Get("Timestamp")),
		APIVersion:       strings.TrimSpace(r.Header.Get("API-Version")),
	}
}

type requestContextKey struct{}

type tenantKey struct{}

func contextWithRequestContext(ctx context.Context, requestCtx *RequestContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if requestCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, requestCtx)
}

// RequestContextFromContext extracts the HTTP request metadata previously stored in the context.
func RequestContextFromContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return nil
	}
	if requestCtx, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return requestCtx
	}
	return nil
}

func withTenant(ctx context.Context, tenantID string) context.Context {
	if rc := RequestContextFromContext(ctx); rc != nil {
		rc.TenantID = tenantID
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant the request was authenticated as.
func TenantFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}
