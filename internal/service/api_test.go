package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-relay-go/internal/cache"
	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
)

var defaultMarkers = []string{"/category/", "/genre/", "/recent/"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(apiBase string) *config.Config {
	return &config.Config{
		API: config.APIConfig{
			BaseURL:        apiBase,
			TimeoutSeconds: 5,
			UserAgent:      "AniTaro/1.0",
			ListingMarkers: defaultMarkers,
		},
		Media: config.MediaConfig{
			DefaultReferer:   "https://rapid-cloud.co/",
			TimeoutSeconds:   5,
			UserAgent:        "test-browser/1.0",
			AcceptLanguage:   "en-US,en;q=0.9",
			MaxPlaylistBytes: 1 << 20,
		},
		Upstream: config.UpstreamConfig{IdleConnections: 10},
	}
}

func newTestAPIService(t *testing.T, apiBase string, store cache.Store, m *metrics.Metrics) *APIService {
	t.Helper()
	cfg := testConfig(apiBase)
	c, err := client.NewUpstreamClient(cfg, discardLogger(), m)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	return NewAPIServiceForTest(c, store, cfg, discardLogger(), m)
}

func success(body string) *model.Success {
	return &model.Success{Response: model.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}}
}

func rejected(status int) *model.Rejected {
	return &model.Rejected{Response: model.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}}
}

func decodeError(t *testing.T, body []byte) string {
	t.Helper()
	var v struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return v.Error
}

func TestSettle(t *testing.T) {
	const listing = "/anime/zoro/category/tv?page=2"
	const detail = "/anime/zoro/info/one-piece-100"

	tests := []struct {
		name           string
		path           string
		res            model.FetchResult
		body           string
		wantStatus     int
		wantType       string
		wantBody       string
		wantError      string
		wantSuppressed bool
	}{
		{
			name:       "json passthrough",
			path:       detail,
			res:        success(""),
			body:       `{"title":"One Piece"}`,
			wantStatus: http.StatusOK,
			wantType:   MIMEJSON,
			wantBody:   `{"title":"One Piece"}`,
		},
		{
			name:       "non json body becomes text",
			path:       detail,
			res:        success(""),
			body:       "<html>oops</html>",
			wantStatus: http.StatusOK,
			wantType:   MIMEText,
			wantBody:   "<html>oops</html>",
		},
		{
			name:       "json null becomes text",
			path:       detail,
			res:        success(""),
			body:       "null",
			wantStatus: http.StatusOK,
			wantType:   MIMEText,
			wantBody:   "null",
		},
		{
			name:       "embedded error on detail passes through",
			path:       detail,
			res:        success(""),
			body:       `{"error":"not found"}`,
			wantStatus: http.StatusOK,
			wantType:   MIMEJSON,
			wantBody:   `{"error":"not found"}`,
		},
		{
			name:           "embedded error on listing suppressed",
			path:           listing,
			res:            success(""),
			body:           `{"error":"scraper broke"}`,
			wantStatus:     http.StatusOK,
			wantType:       MIMEJSON,
			wantBody:       string(emptyListingBody),
			wantSuppressed: true,
		},
		{
			name:       "falsy embedded error on listing kept",
			path:       listing,
			res:        success(""),
			body:       `{"error":"","animes":[1]}`,
			wantStatus: http.StatusOK,
			wantType:   MIMEJSON,
			wantBody:   `{"error":"","animes":[1]}`,
		},
		{
			name:       "zero embedded error on listing kept",
			path:       "/anime/zoro/recent/added",
			res:        success(""),
			body:       `{"error":0}`,
			wantStatus: http.StatusOK,
			wantType:   MIMEJSON,
			wantBody:   `{"error":0}`,
		},
		{
			name:           "array body on listing",
			path:           listing,
			res:            success(""),
			body:           `[{"error":true}]`,
			wantStatus:     http.StatusOK,
			wantType:       MIMEJSON,
			wantBody:       `[{"error":true}]`,
			wantSuppressed: false,
		},
		{
			name:       "rejected detail keeps status",
			path:       detail,
			res:        rejected(http.StatusNotFound),
			wantStatus: http.StatusNotFound,
			wantType:   MIMEJSON,
			wantError:  "API returned status 404",
		},
		{
			name:           "rejected listing suppressed",
			path:           "/anime/zoro/genre/action",
			res:            rejected(http.StatusInternalServerError),
			wantStatus:     http.StatusOK,
			wantType:       MIMEJSON,
			wantBody:       string(emptyListingBody),
			wantSuppressed: true,
		},
		{
			name:       "transport failure on detail",
			path:       detail,
			res:        &model.TransportFailure{Err: fmt.Errorf("dial tcp: connection refused")},
			wantStatus: http.StatusBadGateway,
			wantType:   MIMEJSON,
			wantError:  "upstream connection failed",
		},
		{
			name:       "timeout on detail",
			path:       detail,
			res:        &model.TransportFailure{Err: fmt.Errorf("upstream: %w", context.DeadlineExceeded)},
			wantStatus: http.StatusBadGateway,
			wantType:   MIMEJSON,
			wantError:  "upstream request timed out",
		},
		{
			name:           "transport failure on listing suppressed",
			path:           listing,
			res:            &model.TransportFailure{Err: fmt.Errorf("dial tcp: connection refused")},
			wantStatus:     http.StatusOK,
			wantType:       MIMEJSON,
			wantBody:       string(emptyListingBody),
			wantSuppressed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := settle(tt.path, defaultMarkers, tt.res, []byte(tt.body))
			if got.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", got.StatusCode, tt.wantStatus)
			}
			if got.ContentType != tt.wantType {
				t.Errorf("content type = %q, want %q", got.ContentType, tt.wantType)
			}
			if got.Suppressed != tt.wantSuppressed {
				t.Errorf("suppressed = %v, want %v", got.Suppressed, tt.wantSuppressed)
			}
			if tt.wantError != "" {
				if msg := decodeError(t, got.Body); msg != tt.wantError {
					t.Errorf("error = %q, want %q", msg, tt.wantError)
				}
				return
			}
			if string(got.Body) != tt.wantBody {
				t.Errorf("body = %q, want %q", got.Body, tt.wantBody)
			}
		})
	}
}

func TestEmptyListingBody(t *testing.T) {
	want := `{"animes":[],"currentPage":1,"hasNextPage":false,"totalPages":1}`
	if string(emptyListingBody) != want {
		t.Errorf("emptyListingBody = %s, want %s", emptyListingBody, want)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"zero", float64(0), false},
		{"number", float64(3), true},
		{"empty string", "", false},
		{"string", "x", true},
		{"empty object", map[string]any{}, true},
		{"empty array", []any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truthy(tt.v); got != tt.want {
				t.Errorf("truthy(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestNewAPIService_RejectsUnknownHost(t *testing.T) {
	cfg := testConfig("https://evil.example.com")
	c, err := client.NewUpstreamClient(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	if _, err := NewAPIService(c, cache.Noop{}, cfg, discardLogger(), nil); err == nil {
		t.Fatal("expected allowlist error")
	}

	cfg = testConfig("https://kenjitsu.vercel.app")
	if _, err := NewAPIService(c, cache.Noop{}, cfg, discardLogger(), nil); err != nil {
		t.Fatalf("NewAPIService() error = %v", err)
	}
}

func TestAPIService_Relay_ForwardsPathAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.RequestURI(); got != "/anime/zoro/info/x?ep=1" {
			t.Errorf("upstream path = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "AniTaro/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	s := newTestAPIService(t, srv.URL, nil, nil)
	reply := s.Relay(context.Background(), "/anime/zoro/info/x?ep=1")

	if reply.StatusCode != http.StatusOK || string(reply.Body) != `{"id":"x"}` {
		t.Errorf("reply = %d %s", reply.StatusCode, reply.Body)
	}
	if reply.Cache != "" {
		t.Errorf("Cache = %q, want empty without a cache backend", reply.Cache)
	}
}

func TestAPIService_Relay_SuppressedListingCountsMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := metrics.New()
	s := newTestAPIService(t, srv.URL, nil, m)
	reply := s.Relay(context.Background(), "/anime/zoro/category/movie")

	if reply.StatusCode != http.StatusOK || !reply.Suppressed {
		t.Fatalf("reply = %d suppressed=%v, want 200 suppressed", reply.StatusCode, reply.Suppressed)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "media_relay_suppressed_failures_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("suppressed failures = %v, want 1", v)
			}
			return
		}
	}
	t.Error("suppressed failures metric not found")
}

func TestAPIService_Relay_UnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	s := newTestAPIService(t, base, nil, nil)
	reply := s.Relay(context.Background(), "/anime/zoro/info/x")

	if reply.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", reply.StatusCode)
	}
	if msg := decodeError(t, reply.Body); msg == "" {
		t.Error("expected non-empty error message")
	}
}

func TestAPIService_Relay_OversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":"` + strings.Repeat("x", 64) + `"}`))
	}))
	defer srv.Close()

	s := newTestAPIService(t, srv.URL, nil, nil)
	s.maxBody = 32

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"info path fails", "/anime/zoro/info/x", http.StatusBadGateway, `{"error":"upstream response too large"}`},
		{"listing path suppressed", "/anime/zoro/category/tv", http.StatusOK, string(emptyListingBody)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.Relay(context.Background(), tt.path)
			if reply.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", reply.StatusCode, tt.wantStatus)
			}
			if string(reply.Body) != tt.wantBody {
				t.Errorf("body = %s, want %s", reply.Body, tt.wantBody)
			}
		})
	}
}

func TestAPIService_Relay_BodyAtLimit(t *testing.T) {
	body := `{"ok":true}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	s := newTestAPIService(t, srv.URL, nil, nil)
	s.maxBody = int64(len(body))

	reply := s.Relay(context.Background(), "/anime/zoro/info/x")
	if reply.StatusCode != http.StatusOK || string(reply.Body) != body {
		t.Errorf("reply = %d %s, want 200 %s", reply.StatusCode, reply.Body, body)
	}
}

func TestAPIService_Relay_Cache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.Contains(r.URL.Path, "broken") {
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	m := metrics.New()
	s := newTestAPIService(t, srv.URL, store, m)
	ctx := context.Background()

	first := s.Relay(ctx, "/anime/zoro/info/a")
	second := s.Relay(ctx, "/anime/zoro/info/a")

	if first.Cache != "MISS" || second.Cache != "HIT" {
		t.Errorf("cache = %q then %q, want MISS then HIT", first.Cache, second.Cache)
	}
	if string(second.Body) != `{"ok":true}` {
		t.Errorf("cached body = %s", second.Body)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	// Embedded errors are never cached.
	s.Relay(ctx, "/anime/zoro/info/broken")
	s.Relay(ctx, "/anime/zoro/info/broken")
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

func TestAPIService_Relay_CoalescesConcurrentRequests(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTestAPIService(t, srv.URL, nil, nil)

	const n = 5
	var wg sync.WaitGroup
	replies := make([]*APIReply, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i] = s.Relay(context.Background(), "/anime/zoro/info/same")
		}()
	}

	// Give the goroutines time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, r := range replies {
		if r.StatusCode != http.StatusOK {
			t.Errorf("reply %d status = %d", i, r.StatusCode)
		}
	}
	if got := calls.Load(); got < 1 || got > n {
		t.Errorf("upstream calls = %d, want between 1 and %d", got, n)
	}
}
