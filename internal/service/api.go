// Package service implements the JSON relay and the media relay.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"media-relay-go/internal/cache"
	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
)

// allowedAPIHosts restricts which hosts the JSON relay will forward to.
var allowedAPIHosts = map[string]bool{
	"kenjitsu.vercel.app": true,
}

// ErrResponseTooLarge is returned when an API body exceeds api.max_body_bytes.
var ErrResponseTooLarge = errors.New("upstream response exceeds size limit")

const defaultMaxAPIBody = 8 << 20

// Content types written by the JSON relay.
const (
	MIMEJSON = "application/json"
	MIMEText = "text/plain"
)

// emptyListing is served instead of an error for listing endpoints.
type emptyListing struct {
	Animes      []json.RawMessage `json:"animes"`
	CurrentPage int               `json:"currentPage"`
	HasNextPage bool              `json:"hasNextPage"`
	TotalPages  int               `json:"totalPages"`
}

var emptyListingBody, _ = json.Marshal(emptyListing{
	Animes:      []json.RawMessage{},
	CurrentPage: 1,
	HasNextPage: false,
	TotalPages:  1,
})

// APIReply is the fully buffered answer of the JSON relay.
type APIReply struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// Suppressed is set when an upstream failure was replaced by an empty listing.
	Suppressed bool
	// Cache is "HIT" or "MISS" when a cache backend is configured, empty otherwise.
	Cache string

	cacheable bool
}

// APIService relays GET requests to the upstream JSON API.
type APIService struct {
	client       *client.UpstreamClient
	store        cache.Store
	cacheEnabled bool
	group        singleflight.Group
	baseURL      string
	userAgent    string
	markers      []string
	timeout      time.Duration
	maxBody      int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewAPIService creates an APIService. The configured base URL must point at
// an allow-listed host.
func NewAPIService(c *client.UpstreamClient, store cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*APIService, error) {
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base_url: %w", err)
	}
	if !allowedAPIHosts[u.Hostname()] {
		return nil, fmt.Errorf("api host %q is not in the allowlist", u.Hostname())
	}
	return newAPIService(c, store, cfg, logger, m), nil
}

// NewAPIServiceForTest creates an APIService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewAPIServiceForTest(c *client.UpstreamClient, store cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *APIService {
	return newAPIService(c, store, cfg, logger, m)
}

func newAPIService(c *client.UpstreamClient, store cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *APIService {
	if store == nil {
		store = cache.Noop{}
	}
	_, noop := store.(cache.Noop)
	maxBody := cfg.API.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxAPIBody
	}
	return &APIService{
		client:       c,
		store:        store,
		cacheEnabled: !noop,
		baseURL:      strings.TrimSuffix(cfg.API.BaseURL, "/"),
		userAgent:    cfg.API.UserAgent,
		markers:      cfg.API.ListingMarkers,
		timeout:      time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		maxBody:      maxBody,
		logger:       logger.With("component", "api_service"),
		metrics:      m,
	}
}

// Relay answers one JSON relay request for path. It never returns an error:
// every upstream outcome is settled into a reply.
//
// Concurrent requests for the same path share one upstream call. The call
// is detached from the caller's cancellation and bounded by the API timeout.
func (s *APIService) Relay(ctx context.Context, path string) *APIReply {
	if s.cacheEnabled {
		if body, ok := s.store.Get(ctx, path); ok {
			s.countCache("hit")
			return &APIReply{StatusCode: http.StatusOK, ContentType: MIMEJSON, Body: body, Cache: "HIT"}
		}
		s.countCache("miss")
	}

	v, _, _ := s.group.Do(path, func() (any, error) {
		reply := s.fetch(context.WithoutCancel(ctx), path)
		if s.cacheEnabled && reply.cacheable {
			s.store.Set(context.WithoutCancel(ctx), path, reply.Body)
		}
		return reply, nil
	})

	reply := *v.(*APIReply)
	if s.cacheEnabled {
		reply.Cache = "MISS"
	}
	return &reply
}

func (s *APIService) fetch(ctx context.Context, path string) *APIReply {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	target := s.baseURL + path
	s.logger.Info("proxying api request", "target", target)

	header := http.Header{}
	header.Set("Accept", MIMEJSON)
	header.Set("User-Agent", s.userAgent)

	res := s.client.Get(ctx, metrics.RelayAPI, target, header)

	var body []byte
	switch r := res.(type) {
	case *model.Success:
		b, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
		_ = r.Body.Close()
		switch {
		case err != nil:
			res = &model.TransportFailure{Err: fmt.Errorf("read upstream body: %w", err)}
		case int64(len(b)) > s.maxBody:
			res = &model.TransportFailure{Err: fmt.Errorf("read upstream body: %w", ErrResponseTooLarge)}
		default:
			body = b
		}
	case *model.Rejected:
		_ = r.Body.Close()
		s.logger.Warn("api returned error status", "status", r.StatusCode, "path", path)
	}
	if f, ok := res.(*model.TransportFailure); ok {
		s.logger.Error("api fetch failed", "err", f.Err, "timeout", f.Timeout(), "path", path)
	}

	reply := settle(path, s.markers, res, body)
	if reply.Suppressed {
		s.logger.Info("suppressed listing failure", "path", path)
		if s.metrics != nil {
			s.metrics.SuppressedFailures.Inc()
		}
	}
	return reply
}

func (s *APIService) countCache(result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

// settle maps an upstream outcome to the relay reply. body is the buffered
// body of a *model.Success and is ignored otherwise.
//
// Listing paths never fail: transport failures, non-2xx statuses and 2xx
// bodies with a truthy top-level "error" field all become an empty listing.
// Other paths surface transport failures as 502 and non-2xx statuses as
// themselves, and pass embedded errors through untouched.
func settle(path string, markers []string, res model.FetchResult, body []byte) *APIReply {
	listing := isListing(path, markers)

	switch r := res.(type) {
	case *model.TransportFailure:
		if listing {
			return suppressed()
		}
		return errorReply(http.StatusBadGateway, describeFailure(r))

	case *model.Rejected:
		if listing {
			return suppressed()
		}
		return errorReply(r.StatusCode, fmt.Sprintf("API returned status %d", r.StatusCode))

	case *model.Success:
		var doc any
		if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
			return &APIReply{StatusCode: http.StatusOK, ContentType: MIMEText, Body: body}
		}
		embedded := false
		if obj, ok := doc.(map[string]any); ok {
			embedded = truthy(obj["error"])
		}
		if embedded && listing {
			return suppressed()
		}
		return &APIReply{StatusCode: http.StatusOK, ContentType: MIMEJSON, Body: body, cacheable: !embedded}
	}

	return errorReply(http.StatusInternalServerError, "unexpected upstream outcome")
}

func isListing(path string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(path, m) {
			return true
		}
	}
	return false
}

func suppressed() *APIReply {
	return &APIReply{StatusCode: http.StatusOK, ContentType: MIMEJSON, Body: emptyListingBody, Suppressed: true}
}

func errorReply(status int, msg string) *APIReply {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &APIReply{StatusCode: status, ContentType: MIMEJSON, Body: body}
}

// describeFailure keeps timeouts distinguishable from connection failures.
func describeFailure(f *model.TransportFailure) string {
	if f.Timeout() {
		return "upstream request timed out"
	}
	if errors.Is(f.Err, ErrResponseTooLarge) {
		return "upstream response too large"
	}
	var dnsErr *net.DNSError
	if errors.As(f.Err, &dnsErr) {
		return "upstream host unreachable"
	}
	return "upstream connection failed"
}

// truthy follows JavaScript truthiness for decoded JSON values.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}
