package ingest

import (
	"context"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/mindvault-ai/mindvault/internal/apperr"
)

// maxURLLength bounds accepted URLs.
const maxURLLength = 2048

var urlSchemeRe = regexp.MustCompile(`https?://`)

// URLValidator vets URLs before anything is fetched. LookupIP is a
// field so tests can stub DNS.
type URLValidator struct {
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// NewURLValidator returns a validator backed by the default resolver.
func NewURLValidator() *URLValidator {
	return &URLValidator{
		LookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// Validate returns the trimmed URL when it is a single, public,
// http(s) address, and a validation error otherwise. Inputs carrying
// several URLs are rejected with the parsed list attached so the
// caller can re-submit them one at a time.
func (v *URLValidator) Validate(ctx context.Context, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperr.Validation("url is empty")
	}
	if len(trimmed) > maxURLLength {
		return "", apperr.Newf(apperr.KindValidation, "url exceeds %d characters", maxURLLength)
	}

	if urls := SplitURLs(trimmed); len(urls) > 1 {
		return "", apperr.MultiURL(urls)
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "url is malformed", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", apperr.Newf(apperr.KindValidation, "unsupported url scheme %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", apperr.Validation("url has no host")
	}
	if isLocalHostname(host) {
		return "", apperr.Validation("url points at a local address")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return "", apperr.Validation("url points at a private or local address")
		}
		return trimmed, nil
	}

	ips, err := v.LookupIP(ctx, host)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "url host does not resolve", err)
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return "", apperr.Validation("url points at a private or local address")
		}
	}
	return trimmed, nil
}

// SplitURLs finds every http(s) URL in text. Percent-encoded spaces are
// decoded first so a single pasted string hiding several links still
// splits, then the text breaks on whitespace, commas, semicolons, and
// newlines.
func SplitURLs(text string) []string {
	decoded := strings.ReplaceAll(text, "%20", " ")
	fields := strings.FieldsFunc(decoded, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', ',', ';':
			return true
		}
		return false
	})

	var urls []string
	for _, f := range fields {
		if urlSchemeRe.MatchString(f) {
			urls = append(urls, f)
		}
	}
	return urls
}

func isLocalHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == "localhost" || strings.HasSuffix(h, ".localhost")
}

// isForbiddenIP reports loopback, link-local, unspecified, and
// RFC-1918/ULA addresses, none of which may be fetched on a user's
// behalf.
func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsPrivate()
}
