package store

import (
	"fmt"
	"net/url"
	"strings"
)

// Identity normalizes u into the key used for cache lookups: scheme, host,
// path and query. Scheme and host are lower-cased, default ports dropped, an
// empty path becomes "/", and fragment and userinfo are discarded.
func Identity(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		// IPv6 literal
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// ResolveIdentity parses raw, resolving root-relative references against
// origin, and returns its identity.
func ResolveIdentity(raw string, origin *url.URL) (string, *url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if !ref.IsAbs() {
		if origin == nil {
			return "", nil, fmt.Errorf("relative resource %q requires an origin", raw)
		}
		ref = origin.ResolveReference(ref)
	}
	if ref.Host == "" {
		return "", nil, fmt.Errorf("resource %q has no host", raw)
	}
	return Identity(ref), ref, nil
}
