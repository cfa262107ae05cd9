package interfaces

import (
	"context"
	"time"
)

// SetupResult is returned by a successful encryption setup operation.
type SetupResult struct {
	// PublicKey is the PEM-encoded public key for the space.
	PublicKey string `json:"publicKey"`

	// Algorithm is the backend key algorithm, e.g. RSA_DECRYPT_OAEP_3072_SHA256.
	Algorithm string `json:"algorithm"`

	// Provider names the key backend, e.g. google-kms.
	Provider string `json:"provider"`
}

// DecryptResult is returned by a successful key decrypt operation.
type DecryptResult struct {
	// DecryptedSymmetricKey is the plaintext re-encoded in the multibase
	// form expected by callers (base64pad).
	DecryptedSymmetricKey string `json:"decryptedSymmetricKey"`
}

// RevocationOutcome is the result of a revocation check. Computed fresh per
// request and never cached; a stale outcome would be a security regression.
type RevocationOutcome struct {
	Valid     bool
	RevokedAt string
	Reason    string
}

// KeyBackend manages asymmetric keys for spaces in a remote KMS.
type KeyBackend interface {
	// SetupKey idempotently creates or retrieves the space's asymmetric key
	// and returns its public half.
	SetupKey(ctx context.Context, space SpaceDID) (*SetupResult, error)

	// Decrypt decrypts ciphertext with the space's key and returns the
	// plaintext in multibase base64pad form.
	Decrypt(ctx context.Context, space SpaceDID, ciphertext []byte) (*DecryptResult, error)
}

// RevocationChecker verifies that no delegation in the resource-scoped proof
// graph has been revoked.
type RevocationChecker interface {
	Check(ctx context.Context, proofs []*Delegation, resource SpaceDID) (*RevocationOutcome, error)
}

// EntitlementChecker verifies the space has a plan that allows paid
// encryption features. Consumed as an opaque success/failure result.
type EntitlementChecker interface {
	Entitled(ctx context.Context, space SpaceDID, proofs []*Delegation) error
}

// AuditEvent is one structured audit record. Exactly one event is emitted
// per pipeline terminal state.
type AuditEvent struct {
	Operation  string
	Space      SpaceDID
	Outcome    string
	Invocation string
	Elapsed    time.Duration
	Detail     string
}

// AuditSink is an append-only structured event sink. Record must not block
// the caller on slow delivery; Close drains buffered events.
type AuditSink interface {
	Record(event AuditEvent)
	Close() error
}
