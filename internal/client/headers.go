package client

import (
	"net/http"
	"net/url"
	"strings"

	"media-relay-go/internal/model"
)

// BrowserProfile is the browser identity presented to media hosts.
type BrowserProfile struct {
	UserAgent      string
	AcceptLanguage string
}

// BuildHeaders returns the outbound header set for one media fetch attempt.
// It is called once per attempt so a retry never inherits mutated state.
func BuildHeaders(uc model.UpstreamContext, p BrowserProfile, rangeHeader string) http.Header {
	h := make(http.Header, 6)
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", p.AcceptLanguage)
	h.Set("Referer", uc.Referer)
	h.Set("Origin", uc.Origin)
	if rangeHeader != "" {
		h.Set("Range", rangeHeader)
	}
	return h
}

// DeriveContext picks the referer for a media request (the caller's override
// unless blank or the literal "undefined") and derives the origin from it,
// falling back to the default referer's origin when the override has none.
func DeriveContext(override, defaultReferer string) model.UpstreamContext {
	referer := defaultReferer
	if override != "" && override != "undefined" {
		referer = override
	}
	origin := OriginOf(referer)
	if origin == "" {
		origin = OriginOf(defaultReferer)
	}
	return model.UpstreamContext{Referer: referer, Origin: origin}
}

// OriginOf returns scheme://host[:port] for an absolute URL, omitting the
// scheme's default port, or "" when raw has no scheme or host.
func OriginOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port
	}
	return scheme + "://" + host
}
