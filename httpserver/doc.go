// Package httpserver provides the gateway's HTTP API.
//
// Two operation endpoints accept JSON invocation envelopes:
//
//	POST /api/space/{space}/encryption/setup
//	POST /api/space/{space}/encryption/key/decrypt
//
// The envelope carries the invocation (issuer, audience, capabilities,
// nested delegation proofs) and, for decrypt, the base64 ciphertext of the
// space-encrypted symmetric key. Responses are either the operation result
// or a generic failure message; specific rejection reasons never leave the
// audit log.
//
// The server also exposes health endpoints (livez, readyz, drain, undrain)
// for orchestration, an optional pprof mount, and a Prometheus metrics
// listener on a separate address.
package httpserver
