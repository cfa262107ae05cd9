/*
Package cryptoutils provides the cryptographic helpers shared across the
gateway: wipeable buffers for secret material, PEM public key validation,
the CRC32C integrity checksum used by the key backend, and the multibase
encoding conversions expected by callers.

# Secret handling

Every component that holds secret material (service-account signing keys,
fetched PEM, decrypted plaintext) wraps it in a SecureBuffer and disposes
it on all exit paths, including errors. Disposal zeroes the underlying
bytes; the material is never retained past the operation that produced it.
*/
package cryptoutils
