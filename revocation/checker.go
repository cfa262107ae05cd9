// Package revocation verifies that no delegation relevant to a resource has
// been revoked. It walks the proof DAG breadth-first, deduplicating by
// content identifier, and queries the revocation oracle with bounded
// concurrency, cancelling all outstanding lookups on the first hit.
//
// The checker fails closed: a missing oracle URL, an unexpected oracle
// status, or a transport error are all treated as revoked. An ambiguous
// revocation state must never be treated as valid.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/space-encryption-gateway/interfaces"
	"github.com/ruteri/space-encryption-gateway/metrics"
)

// maxInFlight bounds concurrent oracle lookups so deep chains do not
// thundering-herd the oracle.
const maxInFlight = 5

// lookupTimeout bounds each individual oracle lookup.
const lookupTimeout = 5 * time.Second

// Checker queries a revocation oracle for every delegation in the
// resource-scoped proof graph.
type Checker struct {
	oracleBaseURL string
	client        *http.Client
	log           *slog.Logger
}

// NewChecker creates a checker for the given oracle base URL. An empty URL
// is allowed at construction; every check against it fails closed.
func NewChecker(oracleBaseURL string, log *slog.Logger) *Checker {
	return &Checker{
		oracleBaseURL: oracleBaseURL,
		client:        &http.Client{Timeout: lookupTimeout},
		log:           log,
	}
}

// revokedErr carries the first revocation hit out of the errgroup; it
// cancels the group context so in-flight lookups are aborted.
type revokedErr struct {
	id     string
	reason string
}

func (e *revokedErr) Error() string {
	return fmt.Sprintf("delegation %s: %s", e.id, e.reason)
}

// Check verifies no delegation in the proof graph relevant to resource has
// been revoked. The outcome is computed fresh on every call and must not be
// cached by callers.
func (c *Checker) Check(ctx context.Context, proofs []*interfaces.Delegation, resource interfaces.SpaceDID) (*interfaces.RevocationOutcome, error) {
	relevant := relevantDelegations(proofs, resource, time.Now())
	if len(relevant) == 0 {
		return nil, fmt.Errorf("%w: space %s", interfaces.ErrNoRelevantDelegation, resource)
	}

	if c.oracleBaseURL == "" {
		// Fail closed: "cannot check" is never "not revoked".
		return nil, fmt.Errorf("%w: oracle not configured", interfaces.ErrOracleUnavailable)
	}

	ids := collectGraph(relevant)

	g, lookupCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for _, id := range ids {
		g.Go(func() error {
			if err := lookupCtx.Err(); err != nil {
				// Cancelled before the lookup started; whether the answer
				// still matters is decided after Wait.
				return nil
			}
			return c.lookup(lookupCtx, id)
		})
	}

	if err := g.Wait(); err != nil {
		var revoked *revokedErr
		if errors.As(err, &revoked) {
			c.log.Info("delegation revoked", "delegation", revoked.id, "space", resource.String(), "reason", revoked.reason)
			return &interfaces.RevocationOutcome{
				Valid:     false,
				RevokedAt: revoked.id,
				Reason:    revoked.reason,
			}, nil
		}
		return nil, err
	}

	// No revocation hit. If the caller's context died, lookups were aborted
	// without an answer, and an unanswered chain is never valid.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: check aborted: %v", interfaces.ErrOracleUnavailable, err)
	}

	return &interfaces.RevocationOutcome{Valid: true}, nil
}

// lookup queries the oracle for one delegation. HTTP 200 means revoked, 404
// means not revoked; anything else is treated as revoked for this node.
func (c *Checker) lookup(ctx context.Context, id string) error {
	url := fmt.Sprintf("%s/revocations/%s", c.oracleBaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building oracle request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Aborted mid-flight; Check resolves whether a sibling hit or
			// the caller gave up.
			return nil
		}
		metrics.RevocationLookups.WithLabelValues("error").Inc()
		return &revokedErr{id: id, reason: fmt.Sprintf("oracle unreachable: %v", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		metrics.RevocationLookups.WithLabelValues("revoked").Inc()
		return &revokedErr{id: id, reason: "revoked by oracle"}
	case http.StatusNotFound:
		metrics.RevocationLookups.WithLabelValues("ok").Inc()
		return nil
	default:
		metrics.RevocationLookups.WithLabelValues("error").Inc()
		return &revokedErr{id: id, reason: fmt.Sprintf("oracle returned status %d", resp.StatusCode)}
	}
}

// relevantDelegations filters the proofs to unexpired delegations carrying
// the resource-scoped content/decrypt capability.
func relevantDelegations(proofs []*interfaces.Delegation, resource interfaces.SpaceDID, now time.Time) []*interfaces.Delegation {
	var relevant []*interfaces.Delegation
	for _, proof := range proofs {
		if proof.Expired(now) {
			continue
		}
		if proof.Grants(interfaces.ContentDecryptAbility, resource.String()) {
			relevant = append(relevant, proof)
		}
	}
	return relevant
}

// collectGraph walks the proof DAG breadth-first from the given roots and
// returns each distinct delegation identifier exactly once. The visited set
// guards against shared sub-proofs and cycles.
func collectGraph(roots []*interfaces.Delegation) []string {
	visited := make(map[string]bool)
	var ids []string

	queue := make([]*interfaces.Delegation, len(roots))
	copy(queue, roots)

	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if visited[d.ID()] {
			continue
		}
		visited[d.ID()] = true
		ids = append(ids, d.ID())
		queue = append(queue, d.Proofs...)
	}
	return ids
}
