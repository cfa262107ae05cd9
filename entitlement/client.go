// Package entitlement checks whether a space's plan includes encryption
// features, by querying a remote entitlement service.
package entitlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

const (
	checkTimeout = 10 * time.Second

	// positiveCacheTTL bounds how long a confirmed entitlement is trusted
	// without re-checking. Denials are never cached; a plan upgrade must
	// take effect on the next request.
	positiveCacheTTL = time.Minute
)

// Client queries the entitlement service over HTTP. An empty base URL
// disables checking and treats every space as entitled, for deployments
// without a billing integration.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *gocache.Cache
	log     *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: checkTimeout},
		cache:   gocache.New(positiveCacheTTL, 5*time.Minute),
		log:     log,
	}
}

// Entitled reports whether the space qualifies for encryption features.
// The proof chain is accepted for interface parity but not forwarded; the
// entitlement service keys on the space alone.
func (c *Client) Entitled(ctx context.Context, space interfaces.SpaceDID, _ []*interfaces.Delegation) error {
	if c.baseURL == "" {
		return nil
	}

	if _, ok := c.cache.Get(space.String()); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/entitlements/%s", c.baseURL, space.String()), nil)
	if err != nil {
		return fmt.Errorf("could not initialize entitlement request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: entitlement service unreachable", interfaces.ErrNotEntitled)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		c.cache.SetDefault(space.String(), true)
		return nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("%w: plan does not include encryption", interfaces.ErrNotEntitled)
	default:
		c.log.Error("entitlement check failed", "space", space.String(), "status", resp.StatusCode)
		return fmt.Errorf("%w: entitlement service returned status %d", interfaces.ErrNotEntitled, resp.StatusCode)
	}
}
