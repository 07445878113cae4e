package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/service"
)

// APIHandler serves the JSON relay entrypoints.
type APIHandler struct {
	service *service.APIService
	logger  *slog.Logger
}

// NewAPIHandler creates an APIHandler.
func NewAPIHandler(svc *service.APIService, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		service: svc,
		logger:  logger.With("component", "api_handler"),
	}
}

// Handle relays ?path=<path-and-query> to the upstream JSON API.
func (h *APIHandler) Handle(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, errorBody("Missing path parameter"))
	}
	// The path is appended to the base URL verbatim; anything but an absolute
	// path could change the host.
	if !strings.HasPrefix(path, "/") {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid path parameter"))
	}

	reply := h.service.Relay(c.Request().Context(), path)
	if reply.Cache != "" {
		c.Response().Header().Set("X-Cache", reply.Cache)
	}
	return c.Blob(reply.StatusCode, reply.ContentType, reply.Body)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
