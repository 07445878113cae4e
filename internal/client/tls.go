package client

import (
	"bufio"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// clientFor returns the browser-fingerprinted client for https hosts that
// match an impersonate pattern, and the pooled client otherwise.
func (c *UpstreamClient) clientFor(u *url.URL) *http.Client {
	if c.impersonate != nil && u.Scheme == "https" && matchesHost(u.Hostname(), c.patterns) {
		return c.impersonate
	}
	return c.httpClient
}

// matchesHost reports whether host contains any of patterns (case-insensitive).
func matchesHost(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		if p != "" && strings.Contains(host, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// impersonatingTransport dials with a Chrome ClientHello so hosts that
// fingerprint TLS stacks treat the relay like a browser. Connections are not
// pooled; each request owns its connection until the body is closed.
type impersonatingTransport struct {
	dial        dialFunc
	h2Transport *http2.Transport
	rootCAs     *x509.CertPool // nil uses the system roots
}

func newImpersonatingTransport(dial dialFunc) *impersonatingTransport {
	return &impersonatingTransport{
		dial:        dial,
		h2Transport: &http2.Transport{},
	}
}

func (t *impersonatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return nil, fmt.Errorf("impersonating transport cannot serve %s scheme", req.URL.Scheme)
	}

	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "443")
	}

	conn, err := t.dial(req.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: req.URL.Hostname(), RootCAs: t.rootCAs}, utls.HelloChrome_120)
	if err := uconn.HandshakeContext(req.Context()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", req.URL.Hostname(), err)
	}

	var resp *http.Response
	if uconn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		cc, err := t.h2Transport.NewClientConn(uconn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		resp, err = cc.RoundTrip(req)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	} else {
		if err := req.Write(uconn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		resp, err = http.ReadResponse(bufio.NewReader(uconn), req)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	resp.Body = &connCloser{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

// connCloser closes the dedicated connection together with the body.
type connCloser struct {
	io.ReadCloser
	conn net.Conn
}

func (c *connCloser) Close() error {
	err := c.ReadCloser.Close()
	_ = c.conn.Close()
	return err
}
