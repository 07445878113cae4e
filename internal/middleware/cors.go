package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CORSPolicy is the header set attached to every response of an entrypoint.
type CORSPolicy struct {
	AllowHeaders  []string
	AllowMethods  []string
	ExposeHeaders []string
}

// APIPolicy applies to the JSON relay.
var APIPolicy = CORSPolicy{
	AllowHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
	AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
}

// MediaPolicy applies to the media relay. Players send Range and the client
// platform headers, and read back the length headers of partial answers.
var MediaPolicy = CORSPolicy{
	AllowHeaders: []string{
		"authorization", "x-client-info", "apikey", "content-type", "range",
		"x-supabase-client-platform", "x-supabase-client-platform-version",
		"x-supabase-client-runtime", "x-supabase-client-runtime-version",
	},
	AllowMethods:  []string{http.MethodGet, http.MethodOptions},
	ExposeHeaders: []string{"Content-Length", "Content-Range"},
}

// CORS returns a middleware that writes the policy headers before the handler
// runs, so errors and recovered panics carry them too, and answers OPTIONS
// with an empty 200 without calling the handler.
//
// Echo's CORS middleware is not used: it omits the headers when the request
// has no Origin header, and players behind some CDNs strip it.
func CORS(p CORSPolicy) echo.MiddlewareFunc {
	allowHeaders := strings.Join(p.AllowHeaders, ", ")
	allowMethods := strings.Join(p.AllowMethods, ", ")
	exposeHeaders := strings.Join(p.ExposeHeaders, ", ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowHeaders, allowHeaders)
			h.Set(echo.HeaderAccessControlAllowMethods, allowMethods)
			if exposeHeaders != "" {
				h.Set(echo.HeaderAccessControlExposeHeaders, exposeHeaders)
			}

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}

// AllowMethods answers 405 for any method outside methods. Relay paths are
// registered for every method and use it after CORS, so the rejection still
// carries the policy headers.
func AllowMethods(methods ...string) echo.MiddlewareFunc {
	allow := strings.Join(methods, ", ")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := c.Request().Method
			for _, allowed := range methods {
				if m == allowed {
					return next(c)
				}
			}
			c.Response().Header().Set(echo.HeaderAllow, allow)
			return echo.ErrMethodNotAllowed
		}
	}
}
