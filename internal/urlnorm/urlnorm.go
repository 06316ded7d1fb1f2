// Package urlnorm canonicalizes tab URLs. The normalized form is the
// identity relation for deduplication: tracking parameters are stripped,
// semantic parameters (search terms, video ids) stay, and the result is
// stable under re-normalization.
package urlnorm

import (
	"net"
	"net/url"
	"strings"
)

// Tracking parameters stripped on every host.
var alwaysStrip = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
}

// hostParams returns tracking parameters bound to a specific host class.
// Kept deliberately small: anything not listed here and not in alwaysStrip
// is assumed to be semantic and preserved.
func hostParams(domain string) []string {
	switch {
	case strings.HasPrefix(domain, "amazon."):
		return []string{"tag", "ref"}
	case domain == "youtube.com" || strings.HasSuffix(domain, ".youtube.com"):
		return []string{"si", "feature"}
	case domain == "twitter.com" || domain == "x.com":
		return []string{"s", "t"}
	}
	return nil
}

// Normalize returns the canonical form of raw. It is pure and total:
// anything that does not parse as an absolute URL comes back as the
// lowercased input. Normalize(Normalize(x)) == Normalize(x) for all x.
func Normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return strings.ToLower(raw)
	}

	if u.Host != "" {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		port := u.Port()
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			port = ""
		}
		switch {
		case port != "":
			u.Host = net.JoinHostPort(host, port)
		case strings.Contains(host, ":"):
			u.Host = "[" + host + "]"
		default:
			u.Host = host
		}
	}

	if u.RawQuery != "" {
		u.RawQuery = cleanQuery(Domain(raw), u.Query())
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if u.Host != "" {
		switch {
		case u.Path == "":
			u.Path = "/"
		case u.Path != "/":
			u.Path = strings.TrimRight(u.Path, "/")
			if u.Path == "" {
				u.Path = "/"
			}
		}
	}
	u.RawPath = ""

	return strings.ToLower(u.String())
}

// Domain extracts the lowercased hostname with any leading "www." removed.
// Returns "" when raw has no parseable host.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func cleanQuery(domain string, q url.Values) string {
	for param := range q {
		if alwaysStrip[strings.ToLower(param)] {
			delete(q, param)
		}
	}
	for _, param := range hostParams(domain) {
		delete(q, param)
	}
	if len(q) == 0 {
		return ""
	}
	// Encode sorts keys, which keeps the serialization stable.
	return q.Encode()
}
