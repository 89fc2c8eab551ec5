// ABOUTME: Constructs the SSRF-safe outbound HTTP client shared by CDN and docs.rs clients.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package httpclient

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultTimeout bounds a single outbound request.
const DefaultTimeout = 45 * time.Second

// New returns an *http.Client that refuses private, loopback and link-local
// destinations and does not follow redirects. timeout <= 0 uses DefaultTimeout.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
