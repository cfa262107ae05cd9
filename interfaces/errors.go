package interfaces

import (
	"errors"
	"fmt"
)

// Validation failures. Specific reasons are surfaced to the audit log only;
// callers receive the generic per-operation message.
var (
	ErrWrongAudience        = errors.New("invocation is not addressed to this service")
	ErrNoMatchingCapability = errors.New("no matching capability in invocation")
	ErrResourceMismatch     = errors.New("capability resource does not match request")
	ErrNoDecryptDelegation  = errors.New("no unexpired content/decrypt delegation in proofs")
	ErrAudienceMismatch     = errors.New("invocation issuer does not match delegation audience")
	ErrAuthorizationFailed  = errors.New("delegation chain authorization failed")
)

// Revocation failures. Both fail closed: an unknown revocation state is
// never treated as valid.
var (
	ErrNoRelevantDelegation = errors.New("no unexpired delegation for resource in proofs")
	ErrOracleUnavailable    = errors.New("revocation state could not be determined")
)

// Backend and pipeline failures.
var (
	ErrNotEntitled        = errors.New("space has no qualifying plan")
	ErrAuthExpired        = errors.New("backend credentials expired or invalid")
	ErrAuthFailed         = errors.New("backend token exchange failed")
	ErrBackend            = errors.New("backend request failed")
	ErrNoActiveVersion    = errors.New("no enabled key version")
	ErrDecryptFailed      = errors.New("backend decrypt failed")
	ErrTimeout            = errors.New("retry deadline exceeded")
	ErrInvalidSpace       = errors.New("invalid space identifier")
	ErrMalformedPublicKey = errors.New("backend returned malformed public key")
)

// Generic externally-facing messages. Internal causes never reach the
// caller; see the audit log for detail.
const (
	MsgSetupValidationFailed   = "Encryption validation failed"
	MsgDecryptValidationFailed = "Decryption validation failed"
	MsgNotEntitled             = "Space does not qualify for encryption features"
	MsgRevoked                 = "Delegation has been revoked"
	MsgBackendFailed           = "Key operation failed"
)

// RevokedError reports that a specific delegation in the proof chain has
// been revoked, or that its revocation state could not be determined.
type RevokedError struct {
	// DelegationID is the CID of the revoked delegation.
	DelegationID string

	// Reason describes why the chain was rejected.
	Reason string
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("delegation %s revoked: %s", e.DelegationID, e.Reason)
}
