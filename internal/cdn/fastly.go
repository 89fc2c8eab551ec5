// ABOUTME: CDN invalidation. Fastly purges single URLs on the static domain via its purge API.
// ABOUTME: Requests share a token-bucket limiter so a burst of jobs cannot trip Fastly's API limits.
package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// Invalidator drops cached copies of paths on the static domain.
type Invalidator interface {
	Invalidate(ctx context.Context, paths ...string) error
}

// Fastly purges URLs through the Fastly API.
type Fastly struct {
	client  *http.Client
	baseURL string
	token   string
	domain  string
	limiter *rate.Limiter
}

// FastlyConfig configures a Fastly client.
type FastlyConfig struct {
	APIBaseURL string
	APIToken   string
	Domain     string
	// RequestsPerSecond caps purge calls; <= 0 means 10.
	RequestsPerSecond float64
}

// NewFastly returns a Fastly invalidator using client for requests.
func NewFastly(client *http.Client, cfg FastlyConfig) *Fastly {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Fastly{
		client:  client,
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		token:   cfg.APIToken,
		domain:  cfg.Domain,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// Invalidate purges every path. All paths are attempted; the returned error
// joins the individual failures.
func (f *Fastly) Invalidate(ctx context.Context, paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := f.purge(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fastly) purge(ctx context.Context, path string) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("fastly purge %s: %w", path, err)
	}

	url := fmt.Sprintf("%s/purge/%s/%s", f.baseURL, f.domain, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("fastly purge %s: %w", path, err)
	}
	req.Header.Set("Fastly-Key", f.token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fastly purge %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fastly purge %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Noop is used when no CDN is configured. It only logs.
type Noop struct {
	Logger *slog.Logger
}

// Invalidate logs the paths it would purge.
func (n Noop) Invalidate(_ context.Context, paths ...string) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Debug("CDN not configured; skipping invalidation", "paths", paths)
	return nil
}
