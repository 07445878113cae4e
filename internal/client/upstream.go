// Package client provides the outbound HTTP client shared by both relays.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
)

// UpstreamClient sends requests to the JSON API host and to third-party media hosts.
type UpstreamClient struct {
	httpClient  *http.Client
	impersonate *http.Client
	patterns    []string
	profile     BrowserProfile
	limiter     *hostLimiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, the
// optional outbound proxy and the browser TLS client for impersonated hosts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No client-wide timeout is set: media bodies are streamed, so every caller
// bounds its own request with a context deadline.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	transport, dial, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	c := &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		patterns:   cfg.Media.ImpersonateHosts,
		profile: BrowserProfile{
			UserAgent:      cfg.Media.UserAgent,
			AcceptLanguage: cfg.Media.AcceptLanguage,
		},
		limiter: newHostLimiter(cfg.Media.HostRequestsPerSecond),
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
	if len(c.patterns) > 0 {
		c.impersonate = &http.Client{Transport: newImpersonatingTransport(dial)}
	}
	return c, nil
}

// newTransport builds the pooled transport and the dial function that
// reaches upstream hosts through the configured proxy. The impersonating
// transport shares that dial function so both clients leave through the same
// egress.
func newTransport(cfg *config.Config) (*http.Transport, dialFunc, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext:         dialer.DialContext,
	}

	if cfg.Upstream.ProxyURL == "" {
		return transport, dialer.DialContext, nil
	}

	proxyURL, err := url.Parse(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse upstream proxy_url: %w", err)
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		d, err := proxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, nil, fmt.Errorf("socks5 dialer for %s does not support contexts", proxyURL.Host)
		}
		transport.DialContext = cd.DialContext
		return transport, cd.DialContext, nil
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
		tunnel := &connectDialer{proxy: proxyURL, dialer: dialer}
		return transport, tunnel.DialContext, nil
	default:
		return nil, nil, fmt.Errorf("unsupported upstream proxy scheme %q", proxyURL.Scheme)
	}
}

// Get issues a GET against target and classifies the outcome. A non-2xx
// answer is a *model.Rejected, never an error. The caller owns the body of
// any returned response.
func (c *UpstreamClient) Get(ctx context.Context, relay, target string, header http.Header) model.FetchResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return &model.TransportFailure{Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"relay", relay,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.clientFor(req.URL).Do(req) //nolint:bodyclose // body ownership transfers to caller via FetchResult
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(relay).Observe(duration)
	}

	if err != nil {
		failure := &model.TransportFailure{Err: fmt.Errorf("upstream request: %w", err)}
		if c.metrics != nil {
			cause := "connection"
			if failure.Timeout() {
				cause = "timeout"
			}
			c.metrics.UpstreamFailures.WithLabelValues(relay, cause).Inc()
		}
		return failure
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(relay, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return model.NewResult(resp)
}
