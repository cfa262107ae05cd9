package interfaces

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// DID represents a decentralized identifier such as did:key:z6Mk... or
// did:web:example.com. Compared by exact string equality, never normalized.
type DID string

// String returns the identifier as a string.
func (d DID) String() string {
	return string(d)
}

// Equal compares two identifiers for exact equality.
func (d DID) Equal(other DID) bool {
	return d == other
}

// SpaceDID identifies the tenant (space) a key belongs to. Only did:key
// identifiers with a 48-character alphanumeric suffix are accepted.
type SpaceDID string

const spaceDIDPrefix = "did:key:"

const spaceKeyLength = 48

// NewSpaceDID validates a raw string as a space identifier.
func NewSpaceDID(raw string) (SpaceDID, error) {
	suffix, ok := strings.CutPrefix(raw, spaceDIDPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", ErrInvalidSpace, spaceDIDPrefix)
	}
	if len(suffix) != spaceKeyLength {
		return "", fmt.Errorf("%w: key part must be %d characters, got %d", ErrInvalidSpace, spaceKeyLength, len(suffix))
	}
	for _, c := range suffix {
		if !isAlphanumeric(c) {
			return "", fmt.Errorf("%w: key part must be alphanumeric", ErrInvalidSpace)
		}
	}
	return SpaceDID(raw), nil
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// String returns the space identifier as a string.
func (s SpaceDID) String() string {
	return string(s)
}

// DID returns the space identifier as a generic DID.
func (s SpaceDID) DID() DID {
	return DID(s)
}

// KeyName returns the backend-legal key identifier derived from the space.
// The mapping is deterministic: the did:key multibase suffix, which the
// constructor has already constrained to backend-legal characters.
func (s SpaceDID) KeyName() (string, error) {
	validated, err := NewSpaceDID(string(s))
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(validated), spaceDIDPrefix), nil
}

// Ability names the action a capability grants.
type Ability string

const (
	// EncryptionSetupAbility authorizes creating or retrieving the space key.
	EncryptionSetupAbility Ability = "space/encryption/setup"

	// KeyDecryptAbility authorizes decrypting the space's symmetric key.
	KeyDecryptAbility Ability = "space/encryption/key/decrypt"

	// ContentDecryptAbility must be granted by a delegation in the proof
	// chain for decrypt invocations.
	ContentDecryptAbility Ability = "space/content/decrypt"
)

// Capability is an (action, resource, parameters) triple that an invocation
// or delegation claims the right to exercise.
type Capability struct {
	Can  Ability        `json:"can"`
	With string         `json:"with"`
	Nb   map[string]any `json:"nb,omitempty"`
}

// Delegation is a signed grant of capabilities from an issuer to an
// audience, optionally backed by further delegations. Delegations are
// immutable once constructed; the content identifier is computed at
// construction time.
type Delegation struct {
	Issuer       DID
	Audience     DID
	Capabilities []Capability

	// Expiration is a Unix timestamp in seconds; zero means unbounded.
	Expiration int64

	// Proofs are the nested delegations backing this one. Shared sub-proofs
	// make the structure a DAG; traversal must always deduplicate by CID.
	Proofs []*Delegation

	cid cid.Cid
}

// NewDelegation constructs a delegation and computes its content identifier.
func NewDelegation(issuer, audience DID, caps []Capability, expiration int64, proofs []*Delegation) *Delegation {
	d := &Delegation{
		Issuer:       issuer,
		Audience:     audience,
		Capabilities: caps,
		Expiration:   expiration,
		Proofs:       proofs,
	}
	d.cid = contentID(delegationEnvelope{
		Issuer:       issuer,
		Audience:     audience,
		Capabilities: caps,
		Expiration:   expiration,
		Proofs:       proofLinks(proofs),
	})
	return d
}

// CID returns the delegation's content identifier.
func (d *Delegation) CID() cid.Cid {
	return d.cid
}

// ID returns the string form of the content identifier, used as the
// delegation's key in visited sets and oracle lookups.
func (d *Delegation) ID() string {
	return d.cid.String()
}

// Expired reports whether the delegation is expired at the given instant.
// An expiration exactly equal to now counts as expired.
func (d *Delegation) Expired(now time.Time) bool {
	return d.Expiration != 0 && d.Expiration <= now.Unix()
}

// Grants reports whether the delegation carries a capability with the given
// action and resource (exact string equality on the resource).
func (d *Delegation) Grants(can Ability, with string) bool {
	for _, c := range d.Capabilities {
		if c.Can == can && c.With == with {
			return true
		}
	}
	return false
}

// Invocation is a request to exercise one capability, backed by zero or
// more delegation proofs. Created by the caller, consumed once per request.
type Invocation struct {
	Issuer       DID
	Audience     DID
	Capabilities []Capability
	Proofs       []*Delegation

	cid cid.Cid
}

// NewInvocation constructs an invocation and computes its content identifier.
func NewInvocation(issuer, audience DID, caps []Capability, proofs []*Delegation) *Invocation {
	inv := &Invocation{
		Issuer:       issuer,
		Audience:     audience,
		Capabilities: caps,
		Proofs:       proofs,
	}
	inv.cid = contentID(delegationEnvelope{
		Issuer:       issuer,
		Audience:     audience,
		Capabilities: caps,
		Proofs:       proofLinks(proofs),
	})
	return inv
}

// CID returns the invocation's content identifier.
func (inv *Invocation) CID() cid.Cid {
	return inv.cid
}

// ID returns the string form of the content identifier, used for audit
// correlation.
func (inv *Invocation) ID() string {
	return inv.cid.String()
}

// Capability returns the first capability with the given action, or nil.
func (inv *Invocation) Capability(can Ability) *Capability {
	for i := range inv.Capabilities {
		if inv.Capabilities[i].Can == can {
			return &inv.Capabilities[i]
		}
	}
	return nil
}

// delegationEnvelope is the canonical encoding used for content addressing.
// Proofs are referenced by CID so shared sub-proofs hash identically.
type delegationEnvelope struct {
	Issuer       DID          `json:"iss"`
	Audience     DID          `json:"aud"`
	Capabilities []Capability `json:"att"`
	Expiration   int64        `json:"exp,omitempty"`
	Proofs       []string     `json:"prf,omitempty"`
}

func proofLinks(proofs []*Delegation) []string {
	if len(proofs) == 0 {
		return nil
	}
	links := make([]string, 0, len(proofs))
	for _, p := range proofs {
		links = append(links, p.ID())
	}
	return links
}

func contentID(envelope delegationEnvelope) cid.Cid {
	data, err := json.Marshal(envelope)
	if err != nil {
		// The envelope contains only marshalable fields; Nb values come from
		// decoded JSON and cannot fail to re-encode.
		panic(fmt.Sprintf("delegation envelope encoding: %v", err))
	}
	digest, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		panic(fmt.Sprintf("delegation envelope digest: %v", err))
	}
	return cid.NewCidV1(cid.Raw, digest)
}
