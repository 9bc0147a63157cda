package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// localeHost matches LinkedIn's two-letter locale mirrors (fr., de., eg., ...).
var localeHost = regexp.MustCompile(`^[a-z]{2}\.linkedin\.com$`)

// trackingParams are query parameters LinkedIn appends per impression.
var trackingParams = map[string]struct{}{
	"refid":      {},
	"trackingid": {},
	"position":   {},
	"pagenum":    {},
}

// NormalizeURL standardizes a listing URL so the same posting compares equal
// regardless of the mirror or impression it was reached through.
// It lowercases the scheme and host, folds locale subdomains onto www, removes
// default ports, drops the fragment and tracking parameters, and sorts the query.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if localeHost.MatchString(u.Host) {
		u.Host = "www.linkedin.com"
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if _, ok := trackingParams[lower]; ok || strings.HasPrefix(lower, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

// CanonicalURL is NormalizeURL for identity comparison: unparsable input
// falls back to the trimmed raw string instead of failing.
func CanonicalURL(rawURL string) string {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	return normalized
}

// NormalizeLocation trims and lowercases a location for identity comparison.
func NormalizeLocation(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
