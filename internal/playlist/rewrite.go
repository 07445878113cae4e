// Package playlist rewrites HLS playlists so that every media reference is
// fetched back through the relay.
package playlist

import (
	"strings"

	"github.com/grafana/regexp"
)

// MIMEType is the content type of every rewritten playlist.
const MIMEType = "application/vnd.apple.mpegurl"

// mediaExtensions marks a line as a reference even without a path separator.
var mediaExtensions = []string{".m3u8", ".ts", ".key", ".vtt", ".aac", ".mp4"}

var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*://`)

// LineKind classifies one playlist line.
type LineKind int

const (
	Blank LineKind = iota
	Comment
	Reference
	// Opaque lines are neither comments nor recognizable references and are
	// left untouched.
	Opaque
)

// Classify reports what a single line (without its trailing newline) is.
// A reference is any non-comment line containing a known media extension or
// a '/'. Matching is by substring, not by suffix.
func Classify(line string) LineKind {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return Blank
	case strings.HasPrefix(trimmed, "#"):
		return Comment
	case strings.Contains(trimmed, "/"):
		return Reference
	}
	for _, ext := range mediaExtensions {
		if strings.Contains(trimmed, ext) {
			return Reference
		}
	}
	return Opaque
}

// Rewrite replaces every reference line of body with a relay URL built from
// proxyBase. Relative references are resolved against target's base
// (everything up to and including its last '/'). Every rewritten URL carries
// referer so the next hop authenticates like the first one.
//
// Comment, blank and opaque lines are copied byte for byte, line endings
// included.
func Rewrite(body, target, referer, proxyBase string) string {
	base := BaseOf(target)
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if Classify(line) != Reference {
			continue
		}
		content, hasCR := strings.CutSuffix(line, "\r")
		out := ProxyURL(proxyBase, Resolve(strings.TrimSpace(content), base), referer)
		if hasCR {
			out += "\r"
		}
		lines[i] = out
	}
	return strings.Join(lines, "\n")
}

// BaseOf returns target truncated after its last '/'.
func BaseOf(target string) string {
	return target[:strings.LastIndex(target, "/")+1]
}

// Resolve returns ref unchanged when it carries a scheme, and base+ref otherwise.
func Resolve(ref, base string) string {
	if schemePattern.MatchString(ref) {
		return ref
	}
	return base + ref
}

// ProxyURL builds the relay URL for an absolute upstream URL.
func ProxyURL(proxyBase, absolute, referer string) string {
	return proxyBase + "?url=" + EncodeComponent(absolute) + "&referer=" + EncodeComponent(referer)
}

const upperhex = "0123456789ABCDEF"

// EncodeComponent percent-encodes s the way browsers encode a URI component:
// everything except ASCII letters, digits and -_.!~*'() is escaped.
func EncodeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
