package handler

import (
	"io"
	"log/slog"
	"testing"

	"media-relay-go/internal/cache"
	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
	"media-relay-go/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(apiBase string) *config.Config {
	return &config.Config{
		API: config.APIConfig{
			BaseURL:        apiBase,
			TimeoutSeconds: 5,
			UserAgent:      "AniTaro/1.0",
			ListingMarkers: []string{"/category/", "/genre/", "/recent/"},
		},
		Media: config.MediaConfig{
			DefaultReferer:   "https://rapid-cloud.co/",
			TimeoutSeconds:   5,
			UserAgent:        "test-browser/1.0",
			AcceptLanguage:   "en-US,en;q=0.9",
			MaxPlaylistBytes: 1 << 20,
		},
		Upstream: config.UpstreamConfig{IdleConnections: 10},
		Cache:    config.CacheConfig{Backend: "none"},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newHandlers(t *testing.T, cfg *config.Config) (*APIHandler, *MediaHandler) {
	t.Helper()
	logger := discardLogger()
	c, err := client.NewUpstreamClient(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	apiSvc := service.NewAPIServiceForTest(c, cache.Noop{}, cfg, logger, nil)
	mediaSvc := service.NewMediaService(c, cfg, logger, nil)
	return NewAPIHandler(apiSvc, logger), NewMediaHandler(mediaSvc, cfg, logger)
}
