// Package ucp exposes a checkout and settlement engine over net/http.
//
// The engine itself lives in subpackages: [checkout] derives checkout status,
// [orchestrator] drives checkouts through completion and payment handlers,
// [order] tracks post-purchase lifecycle, and [settlement] executes
// cross-border payouts from single-use tokens or spending mandates. Storage
// backends live in memstore, sqlstore and redisstore.
//
// # HTTP
//
// [NewHandler] mounts the routes for whichever [Services] are set:
//
//   - /checkout_sessions for checkout create, update, complete and cancel.
//   - /orders for order retrieval, fulfillment events and adjustments.
//   - /v1/ucp for quotes, settlement tokens and settlements.
//   - /.well-known/ucp for the public discovery document.
//
// Handler options such as [WithAuthenticator], [WithSignatureVerifier] and
// [WithDetachedSignatureVerifier] resolve the calling tenant and enforce
// signed requests. Engine errors become structured [Error] payloads through
// [ErrorFromDomain].
//
// # Tenancy
//
// Every resource belongs to the tenant its creating request authenticated
// as. Resources owned by another tenant are reported as not found.
package ucp
