package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/middleware"
)

// Entrypoint paths. The /functions/v1 forms keep existing player URLs working.
var (
	APIPaths   = []string{"/cors-proxy", "/functions/v1/cors-proxy"}
	MediaPaths = []string{"/m3u8-proxy", "/functions/v1/m3u8-proxy"}
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// m may be nil when metrics are disabled.
//
// Relay paths answer every method. Their chains start with CORS so that
// method, body and rate limit rejections still carry the policy headers.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, api *APIHandler, media *MediaHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	var limits []echo.MiddlewareFunc
	if cfg.Server.BodyMaxBytes > 0 {
		limits = append(limits, echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if rl := middleware.RateLimit(cfg.Server.RateLimit); rl != nil {
		limits = append(limits, rl)
	}

	apiChain := []echo.MiddlewareFunc{
		middleware.CORS(middleware.APIPolicy),
		middleware.AllowMethods(http.MethodGet, http.MethodPost),
	}
	apiChain = append(apiChain, limits...)
	apiChain = append(apiChain, middleware.Gzip())
	for _, p := range APIPaths {
		e.Any(p, api.Handle, apiChain...)
	}

	mediaChain := []echo.MiddlewareFunc{
		middleware.CORS(middleware.MediaPolicy),
		middleware.AllowMethods(http.MethodGet),
	}
	mediaChain = append(mediaChain, limits...)
	for _, p := range MediaPaths {
		e.Any(p, media.Handle, mediaChain...)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
