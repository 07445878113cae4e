package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/config"
	"media-relay-go/internal/model"
	"media-relay-go/internal/service"
)

// MediaHandler serves the playlist and segment relay entrypoints.
type MediaHandler struct {
	service    *service.MediaService
	publicBase string
	logger     *slog.Logger
}

// NewMediaHandler creates a MediaHandler.
func NewMediaHandler(svc *service.MediaService, cfg *config.Config, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{
		service:    svc,
		publicBase: cfg.Server.PublicBaseURL,
		logger:     logger.With("component", "media_handler"),
	}
}

// Handle relays ?url=<target>[&referer=<referer>] and streams the answer back.
func (h *MediaHandler) Handle(c echo.Context) error {
	req := c.Request()
	query := req.URL.Query()

	raw := query.Get("url")
	if raw == "" || raw == "undefined" {
		return c.JSON(http.StatusBadRequest, errorBody("Missing url parameter"))
	}
	target, err := service.ParseTarget(raw)
	if err != nil {
		h.logger.Debug("rejected media target", "err", err)
		return c.JSON(http.StatusBadRequest, errorBody("Invalid url parameter"))
	}

	pr := &model.ProxyRequest{
		Ctx:             req.Context(),
		Target:          target,
		RefererOverride: query.Get("referer"),
		Range:           req.Header.Get("Range"),
		ProxyBase:       h.proxyBase(c),
	}

	resp, err := h.service.Relay(pr)
	if err != nil {
		return h.mapError(c, err, target)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent when a copy fails mid-stream, so the
	// player just sees a truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming media body",
			"err", err,
			"host", target.Host,
		)
	}

	return nil
}

// proxyBase is the absolute URL of this entrypoint as the player reaches it.
// Without X-Forwarded-Proto the scheme is https: the relay is deployed behind
// TLS-terminating edges that do not always forward it.
func (h *MediaHandler) proxyBase(c echo.Context) string {
	req := c.Request()
	if h.publicBase != "" {
		return h.publicBase + req.URL.Path
	}
	host := req.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = req.Host
	}
	scheme := "https"
	if proto := req.Header.Get(echo.HeaderXForwardedProto); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + host + req.URL.Path
}

func (h *MediaHandler) mapError(c echo.Context, err error, target *url.URL) error {
	h.logger.Error("media relay error",
		"err", err,
		"host", target.Host,
	)

	if errors.Is(err, service.ErrPlaylistTooLarge) {
		return c.JSON(http.StatusBadGateway, errorBody("upstream playlist too large"))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, errorBody("upstream request timed out"))
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, errorBody("client disconnected"))
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, errorBody("upstream host unreachable"))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, errorBody("upstream connection failed"))
	}

	return c.JSON(http.StatusBadGateway, errorBody("upstream request failed"))
}
