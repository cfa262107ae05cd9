package kmsbackend

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ruteri/space-encryption-gateway/cryptoutils"
	"github.com/ruteri/space-encryption-gateway/interfaces"
)

const (
	// DefaultTokenURL is the OAuth token exchange endpoint.
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	kmsScope       = "https://www.googleapis.com/auth/cloudkms"
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// tokenLifetime is the validity requested for self-issued JWTs.
	tokenLifetime = time.Hour

	// tokenExpiryMargin is subtracted from the granted lifetime when
	// caching, so a cached token is never presented near its expiry.
	tokenExpiryMargin = 5 * time.Minute

	// exchangeTimeout bounds the token exchange round-trip.
	exchangeTimeout = 15 * time.Second

	bearerCacheKey = "bearer"
)

type authKind int

const (
	authToken authKind = iota
	authServiceAccount
)

// AuthConfig holds the resolved backend credentials: either a static token
// or a service account that derives short-lived bearer tokens on demand.
type AuthConfig struct {
	kind authKind

	token string

	email      string
	signingKey *cryptoutils.SecureBuffer
	projectID  string
	tokenURL   string

	client *http.Client
	cache  *gocache.Cache
}

// AuthOptions are the available credentials; selection happens once in
// ResolveAuth.
type AuthOptions struct {
	// Token is a static bearer token. Takes precedence when set.
	Token string

	// ServiceAccountEmail and ServiceAccountKeyPEM configure the
	// service-account variant. The key is the account's PEM-encoded RSA
	// private key.
	ServiceAccountEmail  string
	ServiceAccountKeyPEM string

	// ProjectID is the backend project the service account belongs to.
	ProjectID string

	// TokenURL overrides the OAuth token endpoint, for tests.
	TokenURL string
}

// ResolveAuth selects the credential variant from the available options.
// A static token wins when both are configured. Missing credentials are a
// construction-time error; the service must not start without them.
func ResolveAuth(opts AuthOptions) (*AuthConfig, error) {
	if opts.Token != "" {
		return &AuthConfig{kind: authToken, token: opts.Token}, nil
	}

	if opts.ServiceAccountEmail == "" || opts.ServiceAccountKeyPEM == "" {
		return nil, errors.New("no backend credentials: configure a token or a service account")
	}

	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	return &AuthConfig{
		kind:       authServiceAccount,
		email:      opts.ServiceAccountEmail,
		signingKey: cryptoutils.NewSecureBufferFromString(opts.ServiceAccountKeyPEM),
		projectID:  opts.ProjectID,
		tokenURL:   tokenURL,
		client:     &http.Client{Timeout: exchangeTimeout},
		cache:      gocache.New(tokenLifetime-tokenExpiryMargin, 10*time.Minute),
	}, nil
}

// Close disposes the signing key material. The config must not be used
// afterwards.
func (a *AuthConfig) Close() {
	if a.signingKey != nil {
		a.signingKey.Dispose()
	}
}

// BearerToken returns the token to present to the backend, deriving and
// caching a short-lived one for the service-account variant.
func (a *AuthConfig) BearerToken(ctx context.Context) (string, error) {
	if a.kind == authToken {
		return a.token, nil
	}

	if cached, ok := a.cache.Get(bearerCacheKey); ok {
		return cached.(string), nil
	}

	token, ttl, err := a.exchange(ctx)
	if err != nil {
		return "", err
	}
	if margin := ttl - tokenExpiryMargin; margin > 0 {
		a.cache.Set(bearerCacheKey, token, margin)
	}
	return token, nil
}

// exchange signs a fresh assertion and trades it for a bearer token at the
// token endpoint. Backend error bodies are never propagated to callers.
func (a *AuthConfig) exchange(ctx context.Context) (string, time.Duration, error) {
	assertion, err := a.signAssertion()
	if err != nil {
		return "", 0, err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", interfaces.ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", 0, fmt.Errorf("%w: token endpoint returned status %d", interfaces.ErrAuthFailed, resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("%w: malformed token response", interfaces.ErrAuthFailed)
	}
	if tokenResp.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access token", interfaces.ErrAuthFailed)
	}

	return tokenResp.AccessToken, time.Duration(tokenResp.ExpiresIn) * time.Second, nil
}

// signAssertion builds and signs the JWT presented at the token endpoint.
func (a *AuthConfig) signAssertion() (string, error) {
	key, err := parseRSAPrivateKey(a.signingKey.Bytes())
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   a.email,
		"aud":   a.tokenURL,
		"scope": kmsScope,
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token assertion: %w", err)
	}
	return assertion, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	if pemBytes == nil {
		return nil, errors.New("signing key disposed")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("signing key is not PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not RSA")
	}
	return key, nil
}
