package capability

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

// Validator checks invocations against the policy for the two protected
// operations. Failure reasons are logged; callers map them to the generic
// per-operation messages before responding.
type Validator struct {
	authority *Authority
	log       *slog.Logger
}

// NewValidator creates a validator bound to the service authority.
func NewValidator(authority *Authority, log *slog.Logger) *Validator {
	return &Validator{authority: authority, log: log}
}

// ValidateSetup verifies the invocation is addressed to this service and
// carries the encryption setup capability for exactly the requested space.
func (v *Validator) ValidateSetup(inv *interfaces.Invocation, resource interfaces.SpaceDID) error {
	if err := v.checkAudience(inv); err != nil {
		return err
	}
	matched := inv.Capability(interfaces.EncryptionSetupAbility)
	if matched == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrNoMatchingCapability, interfaces.EncryptionSetupAbility)
	}
	if matched.With != resource.String() {
		return fmt.Errorf("%w: capability is for %s, request is for %s",
			interfaces.ErrResourceMismatch, matched.With, resource)
	}
	return nil
}

// ValidateDecrypt verifies the invocation carries the key decrypt capability
// for the requested space, that an unexpired content/decrypt delegation for
// the space backs it, that the invocation issuer is that delegation's
// audience, and that the delegation's chain of custody reaches the service
// authority. Returns the chosen delegation on success.
func (v *Validator) ValidateDecrypt(inv *interfaces.Invocation, resource interfaces.SpaceDID) (*interfaces.Delegation, error) {
	if err := v.checkAudience(inv); err != nil {
		return nil, err
	}
	matched := inv.Capability(interfaces.KeyDecryptAbility)
	if matched == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoMatchingCapability, interfaces.KeyDecryptAbility)
	}
	if matched.With != resource.String() {
		return nil, fmt.Errorf("%w: capability is for %s, request is for %s",
			interfaces.ErrResourceMismatch, matched.With, resource)
	}

	delegation := chooseDecryptDelegation(inv.Proofs, resource, time.Now())
	if delegation == nil {
		return nil, fmt.Errorf("%w: space %s", interfaces.ErrNoDecryptDelegation, resource)
	}

	if !inv.Issuer.Equal(delegation.Audience) {
		return nil, fmt.Errorf("%w: issuer %s, delegation audience %s",
			interfaces.ErrAudienceMismatch, inv.Issuer, delegation.Audience)
	}

	if err := v.authority.Authorize(delegation, resource); err != nil {
		// The specific chain failure stays internal; see the propagation
		// policy in the package doc.
		v.log.Info("delegation authorization failed",
			"delegation", delegation.ID(), "space", resource.String(), "err", err)
		return nil, err
	}

	return delegation, nil
}

// checkAudience verifies the invocation is addressed to the service itself.
// A capability invoked against some other audience carries no authority here.
func (v *Validator) checkAudience(inv *interfaces.Invocation) error {
	if !sameIdentity(inv.Audience, v.authority.DID) {
		return fmt.Errorf("%w: invocation audience is %s", interfaces.ErrWrongAudience, inv.Audience)
	}
	return nil
}

// chooseDecryptDelegation picks the first unexpired proof granting
// content/decrypt on the resource. An expiration exactly equal to now
// counts as expired.
func chooseDecryptDelegation(proofs []*interfaces.Delegation, resource interfaces.SpaceDID, now time.Time) *interfaces.Delegation {
	for _, proof := range proofs {
		if proof.Expired(now) {
			continue
		}
		if proof.Grants(interfaces.ContentDecryptAbility, resource.String()) {
			return proof
		}
	}
	return nil
}
