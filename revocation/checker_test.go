package revocation

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpace(t *testing.T) interfaces.SpaceDID {
	t.Helper()
	space, err := interfaces.NewSpaceDID("did:key:z6Mk" + strings.Repeat("a", 44))
	require.NoError(t, err)
	return space
}

func decryptProof(space interfaces.SpaceDID, audience interfaces.DID, proofs ...*interfaces.Delegation) *interfaces.Delegation {
	return interfaces.NewDelegation(space.DID(), audience, []interfaces.Capability{
		{Can: interfaces.ContentDecryptAbility, With: space.String()},
	}, 0, proofs)
}

// countingOracle records how many times each delegation id is looked up and
// answers 200 for revoked ids, 404 otherwise.
type countingOracle struct {
	mu      sync.Mutex
	hits    map[string]int
	revoked map[string]bool
	status  int // overrides 404 when nonzero
}

func newCountingOracle(revoked ...string) *countingOracle {
	o := &countingOracle{hits: map[string]int{}, revoked: map[string]bool{}}
	for _, id := range revoked {
		o.revoked[id] = true
	}
	return o
}

func (o *countingOracle) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/revocations/")
		o.mu.Lock()
		o.hits[id]++
		revoked := o.revoked[id]
		status := o.status
		o.mu.Unlock()

		if revoked {
			w.WriteHeader(http.StatusOK)
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func (o *countingOracle) hitCount(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[id]
}

func TestCheckNoRelevantDelegation(t *testing.T) {
	space := testSpace(t)
	checker := NewChecker("http://unused", testLogger())

	// A proof for the wrong ability carries no relevance for the resource.
	irrelevant := interfaces.NewDelegation(space.DID(), "did:key:zAudience", []interfaces.Capability{
		{Can: interfaces.EncryptionSetupAbility, With: space.String()},
	}, 0, nil)

	_, err := checker.Check(context.Background(), []*interfaces.Delegation{irrelevant}, space)
	assert.ErrorIs(t, err, interfaces.ErrNoRelevantDelegation)
}

func TestCheckExpiredProofsAreIrrelevant(t *testing.T) {
	space := testSpace(t)
	checker := NewChecker("http://unused", testLogger())

	expired := interfaces.NewDelegation(space.DID(), "did:key:zAudience", []interfaces.Capability{
		{Can: interfaces.ContentDecryptAbility, With: space.String()},
	}, time.Now().Add(-time.Minute).Unix(), nil)

	_, err := checker.Check(context.Background(), []*interfaces.Delegation{expired}, space)
	assert.ErrorIs(t, err, interfaces.ErrNoRelevantDelegation)
}

func TestCheckFailsClosedWithoutOracle(t *testing.T) {
	space := testSpace(t)
	checker := NewChecker("", testLogger())

	_, err := checker.Check(context.Background(), []*interfaces.Delegation{decryptProof(space, "did:key:zAudience")}, space)
	assert.ErrorIs(t, err, interfaces.ErrOracleUnavailable)
}

func TestCheckAllClear(t *testing.T) {
	space := testSpace(t)
	oracle := newCountingOracle()
	srv := httptest.NewServer(oracle.handler())
	defer srv.Close()

	proof := decryptProof(space, "did:key:zAudience",
		decryptProof(space, "did:key:zParent"))

	outcome, err := NewChecker(srv.URL, testLogger()).Check(context.Background(), []*interfaces.Delegation{proof}, space)
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.Equal(t, 1, oracle.hitCount(proof.ID()))
	assert.Equal(t, 1, oracle.hitCount(proof.Proofs[0].ID()))
}

func TestCheckRevoked(t *testing.T) {
	space := testSpace(t)

	parent := decryptProof(space, "did:key:zParent")
	proof := decryptProof(space, "did:key:zAudience", parent)

	oracle := newCountingOracle(parent.ID())
	srv := httptest.NewServer(oracle.handler())
	defer srv.Close()

	outcome, err := NewChecker(srv.URL, testLogger()).Check(context.Background(), []*interfaces.Delegation{proof}, space)
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.Equal(t, parent.ID(), outcome.RevokedAt)
	assert.NotEmpty(t, outcome.Reason)
}

func TestCheckAmbiguousStatusIsRevoked(t *testing.T) {
	space := testSpace(t)
	oracle := newCountingOracle()
	oracle.status = http.StatusInternalServerError
	srv := httptest.NewServer(oracle.handler())
	defer srv.Close()

	proof := decryptProof(space, "did:key:zAudience")

	outcome, err := NewChecker(srv.URL, testLogger()).Check(context.Background(), []*interfaces.Delegation{proof}, space)
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.Equal(t, proof.ID(), outcome.RevokedAt)
}

func TestCheckUnreachableOracleIsRevoked(t *testing.T) {
	space := testSpace(t)
	proof := decryptProof(space, "did:key:zAudience")

	// Port 1 refuses connections.
	outcome, err := NewChecker("http://127.0.0.1:1", testLogger()).Check(context.Background(), []*interfaces.Delegation{proof}, space)
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
}

func TestCheckCancelledContextFailsClosed(t *testing.T) {
	space := testSpace(t)
	proof := decryptProof(space, "did:key:zAudience")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled request must not turn an unanswered chain into a valid one.
	outcome, err := NewChecker("http://127.0.0.1:1", testLogger()).Check(ctx, []*interfaces.Delegation{proof}, space)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, interfaces.ErrOracleUnavailable)
}

func TestCheckRevocationHitStopsFurtherLookups(t *testing.T) {
	space := testSpace(t)

	revoked := decryptProof(space, "did:key:zRevokedRoot")
	proofs := []*interfaces.Delegation{revoked}
	for i := 0; i < 19; i++ {
		proofs = append(proofs, decryptProof(space, interfaces.DID("did:key:zSibling"+strconv.Itoa(i))))
	}

	var mu sync.Mutex
	lookups := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lookups++
		mu.Unlock()

		if strings.TrimPrefix(r.URL.Path, "/revocations/") == revoked.ID() {
			w.WriteHeader(http.StatusOK)
			return
		}
		// Siblings answer slowly so the hit lands first and aborts them.
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	outcome, err := NewChecker(srv.URL, testLogger()).Check(context.Background(), proofs, space)
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.Equal(t, revoked.ID(), outcome.RevokedAt)

	// Only the lookups already in flight at hit time reach the oracle; the
	// queued remainder is skipped.
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, lookups, maxInFlight)
}

func TestCheckSharedSubProofVisitedOnce(t *testing.T) {
	space := testSpace(t)

	// Diamond: two chains share the same grandparent delegation.
	shared := decryptProof(space, "did:key:zRoot")
	left := decryptProof(space, "did:key:zLeft", shared)
	right := decryptProof(space, "did:key:zRight", shared)

	oracle := newCountingOracle()
	srv := httptest.NewServer(oracle.handler())
	defer srv.Close()

	outcome, err := NewChecker(srv.URL, testLogger()).Check(context.Background(), []*interfaces.Delegation{left, right}, space)
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.Equal(t, 1, oracle.hitCount(shared.ID()))
	assert.Equal(t, 1, oracle.hitCount(left.ID()))
	assert.Equal(t, 1, oracle.hitCount(right.ID()))
}

func TestCollectGraphTerminatesOnCycle(t *testing.T) {
	space := testSpace(t)

	d1 := decryptProof(space, "did:key:zOne")
	d2 := decryptProof(space, "did:key:zTwo", d1)
	d1.Proofs = []*interfaces.Delegation{d2}

	ids := collectGraph([]*interfaces.Delegation{d2})
	assert.Len(t, ids, 2)
}
