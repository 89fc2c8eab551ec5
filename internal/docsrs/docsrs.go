// Package docsrs asks docs.rs to rebuild documentation for a crate version.
package docsrs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned when no API token is set.
var ErrNotConfigured = errors.New("docs.rs integration is not configured")

// ErrCrateNotFound is returned when docs.rs does not know the crate version.
var ErrCrateNotFound = errors.New("docs.rs: crate version not found")

// Rebuilder queues documentation rebuilds.
type Rebuilder interface {
	Rebuild(ctx context.Context, name, version string) error
}

// Client talks to the docs.rs rebuild endpoint.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
}

// New returns a docs.rs client. rps <= 0 disables client-side limiting.
func New(httpClient *http.Client, baseURL, token string, rps float64) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Rebuild posts /crate/{name}/{version}/rebuild with the bearer token.
// A 409 (build already queued) counts as success.
func (c *Client) Rebuild(ctx context.Context, name, version string) error {
	if c.token == "" {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("docs.rs rebuild %s@%s: %w", name, version, err)
	}

	target := fmt.Sprintf("%s/crate/%s/%s/rebuild", c.baseURL, url.PathEscape(name), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("docs.rs rebuild %s@%s: %w", name, version, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("docs.rs rebuild %s@%s: %w", name, version, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s@%s", ErrCrateNotFound, name, version)
	default:
		return fmt.Errorf("docs.rs rebuild %s@%s: status %d: %s", name, version, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
