package kmsbackend

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

func testServiceAccountKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, string(pemBytes)
}

func TestResolveAuthTokenPrecedence(t *testing.T) {
	_, keyPEM := testServiceAccountKey(t)

	auth, err := ResolveAuth(AuthOptions{
		Token:                "static-token",
		ServiceAccountEmail:  "gateway@test-project.iam.gserviceaccount.com",
		ServiceAccountKeyPEM: keyPEM,
	})
	require.NoError(t, err)
	defer auth.Close()

	token, err := auth.BearerToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static-token", token, "static token wins over service account")
}

func TestResolveAuthRequiresCredentials(t *testing.T) {
	_, err := ResolveAuth(AuthOptions{})
	assert.Error(t, err)

	_, err = ResolveAuth(AuthOptions{ServiceAccountEmail: "gateway@test.iam.gserviceaccount.com"})
	assert.Error(t, err, "email without key is not a usable credential")
}

func TestBearerTokenExchangeAndCaching(t *testing.T) {
	key, keyPEM := testServiceAccountKey(t)

	var exchanges atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, jwtBearerGrant, r.FormValue("grant_type"))

		parsed, err := jwt.Parse(r.FormValue("assertion"), func(token *jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)

		claims := parsed.Claims.(jwt.MapClaims)
		assert.Equal(t, "gateway@test-project.iam.gserviceaccount.com", claims["iss"])
		assert.Equal(t, kmsScope, claims["scope"])
		assert.NotEmpty(t, claims["jti"])

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "exchanged-token",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	auth, err := ResolveAuth(AuthOptions{
		ServiceAccountEmail:  "gateway@test-project.iam.gserviceaccount.com",
		ServiceAccountKeyPEM: keyPEM,
		ProjectID:            "test-project",
		TokenURL:             server.URL,
	})
	require.NoError(t, err)
	defer auth.Close()

	token, err := auth.BearerToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exchanged-token", token)

	token, err = auth.BearerToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exchanged-token", token)
	assert.Equal(t, int64(1), exchanges.Load(), "second call must hit the cache")
}

func TestBearerTokenShortLivedGrantNotCached(t *testing.T) {
	_, keyPEM := testServiceAccountKey(t)

	var exchanges atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		// Shorter than the caching margin; every call re-exchanges.
		json.NewEncoder(w).Encode(map[string]any{"access_token": "short-token", "expires_in": 60})
	}))
	defer server.Close()

	auth, err := ResolveAuth(AuthOptions{
		ServiceAccountEmail:  "gateway@test-project.iam.gserviceaccount.com",
		ServiceAccountKeyPEM: keyPEM,
		TokenURL:             server.URL,
	})
	require.NoError(t, err)
	defer auth.Close()

	for i := 0; i < 2; i++ {
		token, err := auth.BearerToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "short-token", token)
	}
	assert.Equal(t, int64(2), exchanges.Load())
}

func TestBearerTokenExchangeFailure(t *testing.T) {
	_, keyPEM := testServiceAccountKey(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"access_denied","error_description":"sensitive internal detail"}`))
	}))
	defer server.Close()

	auth, err := ResolveAuth(AuthOptions{
		ServiceAccountEmail:  "gateway@test-project.iam.gserviceaccount.com",
		ServiceAccountKeyPEM: keyPEM,
		TokenURL:             server.URL,
	})
	require.NoError(t, err)
	defer auth.Close()

	_, err = auth.BearerToken(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrAuthFailed)
	assert.NotContains(t, err.Error(), "sensitive internal detail",
		"token endpoint response bodies stay out of surfaced errors")
}

func TestBearerTokenMalformedSigningKey(t *testing.T) {
	auth, err := ResolveAuth(AuthOptions{
		ServiceAccountEmail:  "gateway@test-project.iam.gserviceaccount.com",
		ServiceAccountKeyPEM: "not a private key",
	})
	require.NoError(t, err)
	defer auth.Close()

	_, err = auth.BearerToken(context.Background())
	assert.Error(t, err)
}

func TestParseRSAPrivateKeyPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	parsed, err := parseRSAPrivateKey(pemBytes)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}
