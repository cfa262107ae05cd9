/*
Package capability validates that an invocation's capability and proof chain
actually grant the requested operation on the requested space.

Two operations are protected: space/encryption/setup and
space/encryption/key/decrypt. Setup validation checks the invocation's own
capability. Decrypt validation additionally requires an unexpired
space/content/decrypt delegation in the proofs, binds the invocation issuer
to that delegation's audience, and verifies the delegation's chain of
custody against the service's own identity.

Chain of custody: each delegation must be backed by a proof whose audience
matches its issuer, up to a delegation anchored at the service authority.
Chains crossing identity namespaces are bridged by an explicit, process-wide
table of trust anchors mapping known service web identities to their key
identities; the table is populated once on first use.

All validation failures map to a fixed generic message at the API boundary.
The underlying reason is only surfaced to the audit log.
*/
package capability
