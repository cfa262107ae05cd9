package cryptoutils

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

const pemPublicKeyHeader = "-----BEGIN PUBLIC KEY-----"

// ValidPublicKeyPEM reports whether the material is a syntactically
// well-formed PEM public key. The check is whitespace-insensitive at the
// start of the material; it does not parse the key itself.
func ValidPublicKeyPEM(material string) bool {
	return strings.HasPrefix(strings.TrimSpace(material), pemPublicKeyHeader)
}

// EncodeMultibase encodes raw bytes in the multibase base64pad form
// expected by callers of the decrypt operation.
func EncodeMultibase(raw []byte) (string, error) {
	encoded, err := multibase.Encode(multibase.Base64pad, raw)
	if err != nil {
		return "", fmt.Errorf("multibase encoding: %w", err)
	}
	return encoded, nil
}

// DecodeBase64 decodes the standard base64 used in backend JSON envelopes.
func DecodeBase64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decoding: %w", err)
	}
	return raw, nil
}

// EncodeBase64 encodes raw bytes for backend JSON envelopes.
func EncodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
