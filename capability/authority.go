package capability

import (
	"fmt"
	"sync"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

// knownServices maps well-known service web identities to their underlying
// key identities. Used only when a delegation chain crosses identity
// namespaces, e.g. an upload service issuing under its did:web name.
var knownServices = map[interfaces.DID]interfaces.DID{
	"did:web:up.storacha.network":  "did:key:z6MkqdncRZ1wj8zxCTDUQ8CRT8NQWd63T7mZRvZUX8B7XDFi",
	"did:web:web3.storage":         "did:key:z6MkqdncRZ1wj8zxCTDUQ8CRT8NQWd63T7mZRvZUX8B7XDFi",
	"did:web:staging.web3.storage": "did:key:z6MkhcbEpJpEvNVDd3n5RurquVdqs5dPU16jDKAsXfyv6QAS",
}

// ResolveDID maps a known service web identity to its key identity.
// Unknown identifiers resolve to themselves; resolution is never applied
// transitively.
func ResolveDID(d interfaces.DID) interfaces.DID {
	if resolved, ok := knownServices[d]; ok {
		return resolved
	}
	return d
}

// Authority is the service's own identity together with the out-of-band
// trust anchors used to bridge delegation chains issued by known external
// services.
type Authority struct {
	// DID is the service's own identity; invocations must be addressed to it.
	DID interfaces.DID

	// AnchorIssuers lists external issuers the service trusts as chain
	// roots. Resolved through the known-services table on first use.
	AnchorIssuers []interfaces.DID

	anchorsOnce sync.Once
	anchors     map[interfaces.DID]bool
}

// NewAuthority creates an authority for the given service identity with the
// given trusted external issuers.
func NewAuthority(did interfaces.DID, anchorIssuers []interfaces.DID) *Authority {
	return &Authority{DID: did, AnchorIssuers: anchorIssuers}
}

// trustedAnchors returns the resolved anchor set. Initialization is
// idempotent under concurrent first access; every caller observes the same
// populated map and the work happens once.
func (a *Authority) trustedAnchors() map[interfaces.DID]bool {
	a.anchorsOnce.Do(func() {
		anchors := make(map[interfaces.DID]bool, 2*len(a.AnchorIssuers))
		for _, issuer := range a.AnchorIssuers {
			anchors[issuer] = true
			anchors[ResolveDID(issuer)] = true
		}
		a.anchors = anchors
	})
	return a.anchors
}

// sameIdentity compares two identifiers after known-service resolution.
func sameIdentity(x, y interfaces.DID) bool {
	return x.Equal(y) || ResolveDID(x).Equal(ResolveDID(y))
}

// anchored reports whether the delegation terminates the chain of custody:
// it is addressed to or issued by the service itself, issued by the owner
// of the resource, or issued by an explicitly trusted external issuer.
func (a *Authority) anchored(d *interfaces.Delegation, resource interfaces.SpaceDID) bool {
	if sameIdentity(d.Audience, a.DID) || sameIdentity(d.Issuer, a.DID) {
		return true
	}
	if d.Issuer.Equal(resource.DID()) {
		return true
	}
	anchors := a.trustedAnchors()
	return anchors[d.Issuer] || anchors[ResolveDID(d.Issuer)]
}

// Authorize verifies the delegation's chain of custody for the given
// resource: the delegation must be anchored, or backed (transitively) by a
// proof whose audience matches its issuer and which is itself authorized.
// The visited set guards against shared sub-proofs and cycles.
func (a *Authority) Authorize(d *interfaces.Delegation, resource interfaces.SpaceDID) error {
	return a.authorize(d, resource, make(map[string]bool))
}

func (a *Authority) authorize(d *interfaces.Delegation, resource interfaces.SpaceDID, visited map[string]bool) error {
	if visited[d.ID()] {
		return fmt.Errorf("%w: cycle at delegation %s", interfaces.ErrAuthorizationFailed, d.ID())
	}
	visited[d.ID()] = true

	if a.anchored(d, resource) {
		return nil
	}

	if len(d.Proofs) == 0 {
		return fmt.Errorf("%w: chain root %s issued by %s is not a trusted anchor for %s",
			interfaces.ErrAuthorizationFailed, d.ID(), d.Issuer, resource)
	}

	var lastErr error
	for _, proof := range d.Proofs {
		if !sameIdentity(proof.Audience, d.Issuer) {
			lastErr = fmt.Errorf("%w: proof %s audience %s does not match issuer %s",
				interfaces.ErrAuthorizationFailed, proof.ID(), proof.Audience, d.Issuer)
			continue
		}
		if err := a.authorize(proof, resource, visited); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
