package entitlement

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

func testSpace(t *testing.T) interfaces.SpaceDID {
	t.Helper()
	space, err := interfaces.NewSpaceDID("did:key:z6Mk" + strings.Repeat("b", 44))
	require.NoError(t, err)
	return space
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEntitledDisabledWithoutURL(t *testing.T) {
	client := NewClient("", discardLogger())
	assert.NoError(t, client.Entitled(context.Background(), testSpace(t), nil))
}

func TestEntitledPositiveResultCached(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasPrefix(r.URL.Path, "/entitlements/did:key:"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, discardLogger())
	space := testSpace(t)

	require.NoError(t, client.Entitled(context.Background(), space, nil))
	require.NoError(t, client.Entitled(context.Background(), space, nil))
	assert.Equal(t, int64(1), calls.Load(), "confirmed entitlement is cached")
}

func TestEntitledDenialNotCached(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	client := NewClient(server.URL, discardLogger())
	space := testSpace(t)

	assert.ErrorIs(t, client.Entitled(context.Background(), space, nil), interfaces.ErrNotEntitled)
	assert.ErrorIs(t, client.Entitled(context.Background(), space, nil), interfaces.ErrNotEntitled)
	assert.Equal(t, int64(2), calls.Load(), "denials re-check every time")
}

func TestEntitledServiceErrorDenies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, discardLogger())
	assert.ErrorIs(t, client.Entitled(context.Background(), testSpace(t), nil), interfaces.ErrNotEntitled)
}

func TestEntitledServiceUnreachableDenies(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", discardLogger())
	assert.ErrorIs(t, client.Entitled(context.Background(), testSpace(t), nil), interfaces.ErrNotEntitled)
}
