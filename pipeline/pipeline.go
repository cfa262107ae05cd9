// Package pipeline orchestrates gateway operations as a strict stage
// sequence: capability validation, entitlement, revocation, backend call.
// The order is a security requirement; cheap checks reject bad input before
// the backend is ever contacted. Each operation emits exactly one audit
// event, at its terminal state.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/space-encryption-gateway/capability"
	"github.com/ruteri/space-encryption-gateway/interfaces"
	"github.com/ruteri/space-encryption-gateway/metrics"
)

// Operation names used in audit events and metrics labels.
const (
	OpSetup   = "encryption/setup"
	OpDecrypt = "encryption/key/decrypt"
)

// Failure is the externally-facing form of a pipeline error. Its message is
// generic per failure category; the cause is internal only and reaches the
// audit log, never the caller.
type Failure struct {
	Message string
	cause   error
}

func (f *Failure) Error() string { return f.Message }

// Cause returns the internal reason. Callers shaping external responses
// must use Message only.
func (f *Failure) Cause() error { return f.cause }

// Pipeline runs setup and decrypt operations through the stage sequence.
type Pipeline struct {
	validator    *capability.Validator
	entitlements interfaces.EntitlementChecker
	revocations  interfaces.RevocationChecker
	backend      interfaces.KeyBackend
	audit        interfaces.AuditSink
	log          *slog.Logger
}

func New(validator *capability.Validator, entitlements interfaces.EntitlementChecker, revocations interfaces.RevocationChecker, backend interfaces.KeyBackend, audit interfaces.AuditSink, log *slog.Logger) *Pipeline {
	return &Pipeline{
		validator:    validator,
		entitlements: entitlements,
		revocations:  revocations,
		backend:      backend,
		audit:        audit,
		log:          log,
	}
}

// run tracks one operation from start to its single terminal audit event.
type run struct {
	p         *Pipeline
	operation string
	space     interfaces.SpaceDID
	inv       *interfaces.Invocation
	start     time.Time
}

func (p *Pipeline) begin(operation string, space interfaces.SpaceDID, inv *interfaces.Invocation) *run {
	return &run{p: p, operation: operation, space: space, inv: inv, start: time.Now()}
}

func (r *run) terminal(outcome, detail string) {
	elapsed := time.Since(r.start)
	r.p.audit.Record(interfaces.AuditEvent{
		Operation:  r.operation,
		Space:      r.space,
		Outcome:    outcome,
		Invocation: r.inv.ID(),
		Elapsed:    elapsed,
		Detail:     detail,
	})
	metrics.OperationsTotal.WithLabelValues(r.operation, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(r.operation).Observe(elapsed.Seconds())
}

func (r *run) fail(outcome, message string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	r.terminal(outcome, detail)
	r.p.log.Info("Operation rejected",
		"operation", r.operation, "space", r.space.String(), "outcome", outcome, "err", cause)
	return &Failure{Message: message, cause: cause}
}

func (r *run) succeed() {
	r.terminal("success", "")
}

// Setup validates the invocation and idempotently provisions the space's
// asymmetric key, returning its public half.
func (p *Pipeline) Setup(ctx context.Context, space interfaces.SpaceDID, inv *interfaces.Invocation) (*interfaces.SetupResult, error) {
	r := p.begin(OpSetup, space, inv)

	if err := p.validator.ValidateSetup(inv, space); err != nil {
		return nil, r.fail("validation_failed", interfaces.MsgSetupValidationFailed, err)
	}

	if err := p.entitlements.Entitled(ctx, space, inv.Proofs); err != nil {
		return nil, r.fail("not_entitled", interfaces.MsgNotEntitled, err)
	}

	if err := p.checkRevocation(ctx, r, true); err != nil {
		return nil, err
	}

	result, err := p.backend.SetupKey(ctx, space)
	if err != nil {
		return nil, r.fail(backendOutcome(err), interfaces.MsgBackendFailed, err)
	}

	r.succeed()
	return result, nil
}

// Decrypt validates the invocation's decrypt chain and decrypts the
// space-encrypted symmetric key.
func (p *Pipeline) Decrypt(ctx context.Context, space interfaces.SpaceDID, inv *interfaces.Invocation, ciphertext []byte) (*interfaces.DecryptResult, error) {
	r := p.begin(OpDecrypt, space, inv)

	if _, err := p.validator.ValidateDecrypt(inv, space); err != nil {
		return nil, r.fail("validation_failed", interfaces.MsgDecryptValidationFailed, err)
	}

	if err := p.entitlements.Entitled(ctx, space, inv.Proofs); err != nil {
		return nil, r.fail("not_entitled", interfaces.MsgNotEntitled, err)
	}

	if err := p.checkRevocation(ctx, r, false); err != nil {
		return nil, err
	}

	result, err := p.backend.Decrypt(ctx, space, ciphertext)
	if err != nil {
		return nil, r.fail(backendOutcome(err), interfaces.MsgBackendFailed, err)
	}

	r.succeed()
	return result, nil
}

// checkRevocation runs the revocation stage. Setup chains routinely carry
// no content-decrypt delegations; an empty relevant set passes for setup
// but everything else fails closed.
func (p *Pipeline) checkRevocation(ctx context.Context, r *run, emptyGraphOK bool) error {
	outcome, err := p.revocations.Check(ctx, r.inv.Proofs, r.space)
	if err != nil {
		if emptyGraphOK && errors.Is(err, interfaces.ErrNoRelevantDelegation) {
			return nil
		}
		return r.fail("revocation_unverifiable", interfaces.MsgRevoked, err)
	}
	if !outcome.Valid {
		return r.fail("revoked", interfaces.MsgRevoked,
			&interfaces.RevokedError{DelegationID: outcome.RevokedAt, Reason: outcome.Reason})
	}
	return nil
}

func backendOutcome(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrAuthExpired), errors.Is(err, interfaces.ErrAuthFailed):
		return "backend_auth_failed"
	case errors.Is(err, interfaces.ErrTimeout):
		return "backend_timeout"
	default:
		return "backend_failed"
	}
}
