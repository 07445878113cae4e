// Package model defines shared types for the relays.
package model

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
)

// ProxyRequest is one media relay request after query parameter parsing.
// Target is always an absolute http(s) URL.
type ProxyRequest struct {
	Ctx             context.Context
	Target          *url.URL
	RefererOverride string
	Range           string
	// ProxyBase is the absolute URL of the entrypoint that rewritten playlist
	// references must point back at.
	ProxyBase string
}

// ProxyResponse represents the relay response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// UpstreamContext is the referer/origin pair presented to a media host.
type UpstreamContext struct {
	Referer string
	Origin  string
}

// FetchResult is the outcome of one upstream exchange: *Success, *Rejected
// or *TransportFailure.
type FetchResult interface {
	fetchResult()
}

// Response is the upstream status line, headers and body stream.
// The holder is responsible for closing Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Success is an upstream answer with a 2xx status.
type Success struct{ Response }

// Rejected is an upstream answer with a non-2xx status.
type Rejected struct{ Response }

// TransportFailure means no upstream answer was received (DNS, refused
// connection, timeout, cancellation).
type TransportFailure struct {
	Err error
}

func (*Success) fetchResult()          {}
func (*Rejected) fetchResult()         {}
func (*TransportFailure) fetchResult() {}

// Error implements error so a failure can be wrapped and classified with errors.As.
func (f *TransportFailure) Error() string { return f.Err.Error() }

// Unwrap returns the underlying transport error.
func (f *TransportFailure) Unwrap() error { return f.Err }

// Timeout reports whether the failure was caused by a deadline rather than
// a connection problem.
func (f *TransportFailure) Timeout() bool {
	if errors.Is(f.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(f.Err, &ne) && ne.Timeout()
}

// NewResult classifies an *http.Response by status code.
func NewResult(resp *http.Response) FetchResult {
	r := Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Success{r}
	}
	return &Rejected{r}
}

// ResponseOf returns the upstream response carried by res, or nil for a
// transport failure.
func ResponseOf(res FetchResult) *Response {
	switch r := res.(type) {
	case *Success:
		return &r.Response
	case *Rejected:
		return &r.Response
	default:
		return nil
	}
}
