package kmsbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruteri/space-encryption-gateway/cryptoutils"
	"github.com/ruteri/space-encryption-gateway/interfaces"
	"github.com/ruteri/space-encryption-gateway/metrics"
)

const (
	// DefaultBaseURL is the backend REST endpoint.
	DefaultBaseURL = "https://cloudkms.googleapis.com/v1"

	// KeyAlgorithm is the fixed algorithm for all space keys.
	KeyAlgorithm = "RSA_DECRYPT_OAEP_3072_SHA256"

	// KeyPurpose is the fixed purpose for all space keys.
	KeyPurpose = "ASYMMETRIC_DECRYPT"

	// Provider names the backend in setup results.
	Provider = "google-kms"

	// pendingGenerationMarker identifies the backend's "key version still
	// generating" 400 response, which is retryable.
	pendingGenerationMarker = "PENDING_GENERATION"

	versionEnabled = "ENABLED"
)

// Config configures the backend client. Zero timeout and retry fields get
// production defaults in NewClient; tests shrink them.
type Config struct {
	ProjectID string
	Location  string
	KeyRing   string

	// BaseURL overrides the backend endpoint, for tests.
	BaseURL string

	Auth *AuthConfig
	Log  *slog.Logger

	// MetadataTimeout bounds existence checks and version lookups.
	MetadataTimeout time.Duration

	// MutationTimeout bounds key creation and decrypt calls.
	MutationTimeout time.Duration

	// PublicKeyRetryInterval is the initial backoff between public-key
	// fetch attempts; it doubles per attempt up to PublicKeyRetryCap.
	PublicKeyRetryInterval time.Duration
	PublicKeyRetryCap      time.Duration

	// PublicKeyAttempts is the maximum number of fetch attempts.
	PublicKeyAttempts uint64

	// PublicKeyDeadline is the overall budget for the fetch, attempts
	// remaining or not.
	PublicKeyDeadline time.Duration
}

// resourceIDPattern matches backend-legal project, location and keyring
// identifiers.
var resourceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,63}$`)

// Client talks to the remote key management backend.
type Client struct {
	cfg    Config
	auth   *AuthConfig
	client *http.Client
	log    *slog.Logger
}

// NewClient validates the configuration and creates a backend client.
// Malformed resource identifiers are construction-time failures.
func NewClient(cfg Config) (*Client, error) {
	for _, id := range []string{cfg.ProjectID, cfg.Location, cfg.KeyRing} {
		if !resourceIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid backend resource identifier: %q", id)
		}
	}
	if cfg.Auth == nil {
		return nil, errors.New("backend auth config is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = 10 * time.Second
	}
	if cfg.MutationTimeout == 0 {
		cfg.MutationTimeout = 30 * time.Second
	}
	if cfg.PublicKeyRetryInterval == 0 {
		cfg.PublicKeyRetryInterval = time.Second
	}
	if cfg.PublicKeyRetryCap == 0 {
		cfg.PublicKeyRetryCap = 10 * time.Second
	}
	if cfg.PublicKeyAttempts == 0 {
		cfg.PublicKeyAttempts = 5
	}
	if cfg.PublicKeyDeadline == 0 {
		cfg.PublicKeyDeadline = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		auth:   cfg.Auth,
		client: &http.Client{},
		log:    cfg.Log,
	}, nil
}

// Close releases the client's credentials.
func (c *Client) Close() {
	c.auth.Close()
}

func (c *Client) keyRingPath() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s",
		c.cfg.ProjectID, c.cfg.Location, c.cfg.KeyRing)
}

func (c *Client) keyPath(keyID string) string {
	return fmt.Sprintf("%s/cryptoKeys/%s", c.keyRingPath(), keyID)
}

func (c *Client) versionPath(keyID, version string) string {
	return fmt.Sprintf("%s/cryptoKeyVersions/%s", c.keyPath(keyID), version)
}

// do issues one authenticated backend request under the given timeout.
func (c *Client) do(ctx context.Context, method, path, endpoint string, body any, timeout time.Duration) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/%s", c.cfg.BaseURL, path), reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.auth.BearerToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackend, err)
	}
	metrics.BackendRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode/100*100)).Inc()
	return resp, nil
}

// SetupKey idempotently creates or retrieves the asymmetric key for the
// space and returns its public half. A second call for the same space takes
// the existing-key path and returns the same public key.
func (c *Client) SetupKey(ctx context.Context, space interfaces.SpaceDID) (*interfaces.SetupResult, error) {
	keyID, err := space.KeyName()
	if err != nil {
		return nil, err
	}

	version, err := c.existingKeyVersion(ctx, keyID)
	switch {
	case err == nil:
		// Existing key; fetch its public half below.
	case errors.Is(err, errKeyNotFound):
		if err := c.createKey(ctx, keyID); err != nil {
			return nil, err
		}
		// A newly created key's primary version is always "1"; no extra
		// round-trip needed to discover it.
		version = "1"
	default:
		return nil, err
	}

	publicKey, err := c.fetchPublicKey(ctx, keyID, version)
	if err != nil {
		return nil, err
	}

	return &interfaces.SetupResult{
		PublicKey: publicKey,
		Algorithm: KeyAlgorithm,
		Provider:  Provider,
	}, nil
}

var errKeyNotFound = errors.New("key not found")

// existingKeyVersion checks key existence and resolves the version whose
// public key setup should return.
func (c *Client) existingKeyVersion(ctx context.Context, keyID string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.keyPath(keyID), "get_key", nil, c.cfg.MetadataTimeout)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var key cryptoKey
		if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
			return "", fmt.Errorf("%w: malformed key resource", interfaces.ErrBackend)
		}
		if name := key.Primary.Name; name != "" {
			return lastSegment(name), nil
		}
		return c.firstEnabledVersion(ctx, keyID)
	case resp.StatusCode == http.StatusNotFound:
		return "", errKeyNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return "", interfaces.ErrAuthExpired
	default:
		c.logBackendFailure("key existence check", keyID, resp)
		return "", fmt.Errorf("%w: status %d", interfaces.ErrBackend, resp.StatusCode)
	}
}

// createKey creates the space's key with the fixed purpose and algorithm.
func (c *Client) createKey(ctx context.Context, keyID string) error {
	body := map[string]any{
		"purpose": KeyPurpose,
		"versionTemplate": map[string]any{
			"algorithm":       KeyAlgorithm,
			"protectionLevel": "SOFTWARE",
		},
	}

	path := fmt.Sprintf("%s/cryptoKeys?cryptoKeyId=%s", c.keyRingPath(), keyID)
	resp, err := c.do(ctx, http.MethodPost, path, "create_key", body, c.cfg.MutationTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return interfaces.ErrAuthExpired
	default:
		c.logBackendFailure("key creation", keyID, resp)
		return fmt.Errorf("%w: status %d", interfaces.ErrBackend, resp.StatusCode)
	}
}

// fetchPublicKey retrieves the version's public key, riding out backend
// eventual consistency with exponential backoff under an overall deadline.
func (c *Client) fetchPublicKey(ctx context.Context, keyID, version string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublicKeyDeadline)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.PublicKeyRetryInterval
	policy.Multiplier = 2
	policy.MaxInterval = c.cfg.PublicKeyRetryCap
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0 // the context deadline is the budget

	var publicKey string
	var terminal bool
	operation := func() error {
		var err error
		publicKey, err = c.fetchPublicKeyOnce(ctx, keyID, version)
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			terminal = true
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithMaxRetries(backoff.WithContext(policy, ctx), c.cfg.PublicKeyAttempts-1))
	if err != nil {
		// Terminal failures surface as-is; an exhausted retry budget,
		// whether by attempts or by deadline, is a timeout.
		if terminal {
			return "", err
		}
		return "", fmt.Errorf("%w: public key for %s not available within deadline", interfaces.ErrTimeout, keyID)
	}
	return publicKey, nil
}

// fetchPublicKeyOnce performs a single fetch attempt. Retryable conditions
// return plain errors; terminal ones are marked permanent.
func (c *Client) fetchPublicKeyOnce(ctx context.Context, keyID, version string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.versionPath(keyID, version)+"/publicKey", "get_public_key", nil, c.cfg.MetadataTimeout)
	if err != nil {
		if errors.Is(err, interfaces.ErrAuthFailed) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decodePublicKey(resp.Body, keyID)
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 500:
		// 404: version not visible yet. 403: permission propagation delay.
		// 5xx: transient backend failure. All worth another attempt.
		return "", fmt.Errorf("%w: status %d", interfaces.ErrBackend, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if strings.Contains(string(body), pendingGenerationMarker) {
			return "", fmt.Errorf("%w: key version still generating", interfaces.ErrBackend)
		}
		return "", backoff.Permanent(fmt.Errorf("%w: status 400", interfaces.ErrBackend))
	case resp.StatusCode == http.StatusUnauthorized:
		return "", backoff.Permanent(interfaces.ErrAuthExpired)
	default:
		c.logBackendFailure("public key fetch", keyID, resp)
		return "", backoff.Permanent(fmt.Errorf("%w: status %d", interfaces.ErrBackend, resp.StatusCode))
	}
}

// publicKeyResponse covers both backend response shapes: the current pem
// field and the legacy base64-encoded publicKey field.
type publicKeyResponse struct {
	Pem       string `json:"pem"`
	PublicKey string `json:"publicKey"`
	PemCrc32c string `json:"pemCrc32c"`
}

func (c *Client) decodePublicKey(body io.Reader, keyID string) (string, error) {
	var keyResp publicKeyResponse
	if err := json.NewDecoder(body).Decode(&keyResp); err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: malformed public key response", interfaces.ErrBackend))
	}

	material := keyResp.Pem
	if material == "" && keyResp.PublicKey != "" {
		decoded, err := cryptoutils.DecodeBase64(keyResp.PublicKey)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: %v", interfaces.ErrMalformedPublicKey, err))
		}
		material = string(decoded)
	}

	pemBuf := cryptoutils.NewSecureBufferFromString(material)
	defer pemBuf.Dispose()

	if !cryptoutils.ValidPublicKeyPEM(pemBuf.String()) {
		return "", backoff.Permanent(interfaces.ErrMalformedPublicKey)
	}

	// The backend's checksum variant is not guaranteed to match our
	// recompute; a mismatch is a soft signal, never a hard gate.
	if keyResp.PemCrc32c != "" {
		expected, err := strconv.ParseInt(keyResp.PemCrc32c, 10, 64)
		if err != nil || expected != cryptoutils.CRC32C(pemBuf.Bytes()) {
			c.log.Warn("public key checksum mismatch", "key", keyID, "reported", keyResp.PemCrc32c)
		}
	}

	return pemBuf.String(), nil
}

type cryptoKey struct {
	Primary struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"primary"`
}

type cryptoKeyVersion struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// firstEnabledVersion lists the key's versions and picks the first enabled
// one. Asymmetric keys have no primary version pointer, so this is the
// normal resolution path for existing keys.
func (c *Client) firstEnabledVersion(ctx context.Context, keyID string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.keyPath(keyID)+"/cryptoKeyVersions", "list_versions", nil, c.cfg.MetadataTimeout)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", interfaces.ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		c.logBackendFailure("version list", keyID, resp)
		return "", fmt.Errorf("%w: status %d", interfaces.ErrBackend, resp.StatusCode)
	}

	var versions struct {
		CryptoKeyVersions []cryptoKeyVersion `json:"cryptoKeyVersions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return "", fmt.Errorf("%w: malformed version list", interfaces.ErrBackend)
	}

	for _, v := range versions.CryptoKeyVersions {
		if v.State == versionEnabled {
			return lastSegment(v.Name), nil
		}
	}
	return "", interfaces.ErrNoActiveVersion
}

// Decrypt decrypts ciphertext with the space key's active version and
// returns the plaintext in the multibase form expected by callers.
func (c *Client) Decrypt(ctx context.Context, space interfaces.SpaceDID, ciphertext []byte) (*interfaces.DecryptResult, error) {
	keyID, err := space.KeyName()
	if err != nil {
		return nil, err
	}

	version, err := c.existingKeyVersion(ctx, keyID)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return nil, fmt.Errorf("%w: no key for space", interfaces.ErrDecryptFailed)
		}
		return nil, err
	}

	body := map[string]string{"ciphertext": cryptoutils.EncodeBase64(ciphertext)}
	path := c.versionPath(keyID, version) + ":asymmetricDecrypt"
	resp, err := c.do(ctx, http.MethodPost, path, "asymmetric_decrypt", body, c.cfg.MutationTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, interfaces.ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logBackendFailure("decrypt", keyID, resp)
		return nil, fmt.Errorf("%w: status %d", interfaces.ErrDecryptFailed, resp.StatusCode)
	}

	var decryptResp struct {
		Plaintext string `json:"plaintext"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decryptResp); err != nil {
		return nil, fmt.Errorf("%w: malformed decrypt response", interfaces.ErrDecryptFailed)
	}

	raw, err := cryptoutils.DecodeBase64(decryptResp.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable plaintext", interfaces.ErrDecryptFailed)
	}

	plaintext := cryptoutils.NewSecureBuffer(raw)
	defer plaintext.Dispose()
	for i := range raw {
		raw[i] = 0
	}

	encoded, err := cryptoutils.EncodeMultibase(plaintext.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptFailed, err)
	}

	return &interfaces.DecryptResult{DecryptedSymmetricKey: encoded}, nil
}

// logBackendFailure records the backend's response detail internally; it is
// never included in caller-visible errors.
func (c *Client) logBackendFailure(operation, keyID string, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.log.Error("backend request failed",
		"operation", operation, "key", keyID, "status", resp.StatusCode, "body", string(body))
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}
