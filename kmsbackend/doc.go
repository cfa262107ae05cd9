/*
Package kmsbackend implements the client for the remote key management
backend (Google Cloud KMS REST API). It provides the idempotent
get-or-create key lifecycle for a space's asymmetric key and the decrypt
operation against that key.

# Setup state machine

A setup request first checks key existence. An existing key moves straight
to public-key retrieval; a missing key is created with fixed parameters
(asymmetric-decrypt purpose, RSA-OAEP-3072-SHA256), whose primary version
is deterministically "1". Public-key retrieval tolerates backend eventual
consistency: 404, generation-pending, 5xx and 403 responses are retried
with exponential backoff under an overall deadline; any other 4xx aborts
immediately. Returned key material must be a well-formed PEM public key.
The backend's CRC32C integrity field is recomputed locally; a mismatch is
logged as a warning and the operation proceeds, since the backend's
checksum variant is not guaranteed to match the local implementation.

# Authentication

Credentials are resolved once at construction. A static token, when
configured, takes precedence over a service account. The service-account
variant derives short-lived bearer tokens by signing a JWT with
RSASSA-PKCS1-v1_5/SHA-256 over the account's private key and exchanging it
at the OAuth token endpoint; derived tokens are cached until near expiry.
Signing key material lives in a SecureBuffer owned by the auth config.
*/
package kmsbackend
