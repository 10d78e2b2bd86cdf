// Package proxy forwards record and RPC traffic to the in-network PostgREST
// instance. PostgREST speaks plain HTTP, so the proxy is a thin pass-through
// with connection reuse, a retry budget for transient network failures, and
// an API-key upgrade step so server-side callers get admin-level access.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/insforge/insforge/internal/httputil"
)

const (
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
	backoffFactor  = 2.5
	maxBackoff     = time.Second

	requestTimeout   = 10 * time.Second
	maxSockets       = 20
	maxIdleSockets   = 5
	idleSocketExpiry = 90 * time.Second
)

// hopHeaders are stripped from upstream responses. The proxy re-frames the
// body itself, so forwarding these would corrupt the client's read.
var hopHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection", "Content-Encoding"}

var ErrUpstreamUnavailable = errors.New("proxy: postgrest unreachable")

// AdminTokenIssuer mints the admin JWT used when an API key is upgraded.
type AdminTokenIssuer interface {
	IssueAdmin() (string, error)
}

// Client proxies requests to a single PostgREST base URL over a pooled
// keep-alive transport.
type Client struct {
	base   *url.URL
	http   *http.Client
	apiKey string
	tokens AdminTokenIssuer
	logger *slog.Logger
}

// New builds a proxy client for baseURL. apiKey may be empty, in which case
// no Authorization upgrade ever happens.
func New(baseURL, apiKey string, tokens AdminTokenIssuer, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgrest base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("postgrest base url %q must be absolute", baseURL)
	}

	transport := &http.Transport{
		MaxConnsPerHost:     maxSockets,
		MaxIdleConnsPerHost: maxIdleSockets,
		IdleConnTimeout:     idleSocketExpiry,
	}
	return &Client{
		base:   base,
		http:   &http.Client{Transport: transport, Timeout: requestTimeout},
		apiKey: apiKey,
		tokens: tokens,
		logger: logger,
	}, nil
}

// ServeHTTP forwards the request to PostgREST and relays the response.
// Network failures (connection refused, DNS, timeouts) are retried up to
// three times with exponential backoff; any HTTP response, success or error,
// is final and forwarded as-is.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodySize+1))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, "failed to read request body")
		return
	}
	if int64(len(body)) > httputil.MaxBodySize {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, httputil.CodePayloadTooLarge, "request body too large")
		return
	}

	resp, err := c.forward(r.Context(), r, body)
	if err != nil {
		c.logger.Error("postgrest unreachable", "method", r.Method, "path", r.URL.Path, "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "database API is unavailable")
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		if isHopHeader(name) {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		c.logger.Warn("relay postgrest response", "path", r.URL.Path, "error", err)
	}
}

// forward performs the upstream round trips. The body is buffered by the
// caller so every attempt replays identical bytes.
func (c *Client) forward(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	target := *c.base
	target.Path = singleJoin(c.base.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		copyRequestHeaders(req.Header, r.Header)
		c.upgradeAuthorization(req)

		resp, err := c.http.Do(req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("postgrest request failed", "attempt", attempt+1, "path", r.URL.Path, "error", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, lastErr)
}

// upgradeAuthorization swaps a valid API key for an admin JWT. Anything else
// in the Authorization header passes through untouched so PostgREST can
// enforce RLS against the caller's own claims.
func (c *Client) upgradeAuthorization(req *http.Request) {
	if c.apiKey == "" || c.tokens == nil {
		return
	}
	presented := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if presented == "" || presented != c.apiKey {
		return
	}
	token, err := c.tokens.IssueAdmin()
	if err != nil {
		c.logger.Error("issue admin token for api key upgrade", "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Connection", "Host":
			continue
		}
		dst[http.CanonicalHeaderKey(name)] = values
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// backoffDelay returns 200ms * 2.5^n capped at one second.
func backoffDelay(n int) time.Duration {
	d := initialBackoff
	for i := 0; i < n; i++ {
		d = time.Duration(float64(d) * backoffFactor)
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// singleJoin joins two URL path segments with exactly one slash.
func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}
