package crawler

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidKeyChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// defaultPorts are dropped from normalized hosts.
var defaultPorts = map[string]string{"http": "80", "https": "443"}

// NormalizeURL returns the canonical form used to compare page URLs: scheme
// and host lowercased, default port and fragment removed, query parameters
// sorted. Path case is preserved.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPorts[u.Scheme] {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host
	u.Fragment, u.RawFragment = "", ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

// NormalizeKey lowercases and sanitizes an identifier so it can be used both
// as a dedup key and as a directory name.
func NormalizeKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = invalidKeyChars.ReplaceAllString(key, "-")
	key = strings.Trim(key, "-.")
	return key
}

// genericSegments are path segments that name a page template rather than a
// product, such as /p/101/details.
var genericSegments = map[string]struct{}{
	"details": {}, "detail": {}, "product": {}, "products": {}, "item": {},
	"items": {}, "p": {}, "dp": {}, "view": {}, "show": {}, "index": {},
	"overview": {}, "specs": {}, "reviews": {},
}

// KeyFromURL derives the pre-scrape product key for a page URL. The last
// non-generic path segment is used as a slug when the URL has no query and
// the segment is not a script name. Otherwise the key is a hash of the
// normalized host, path and sorted query.
func KeyFromURL(rawURL string) string {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return hashURL(strings.TrimSpace(rawURL))
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return hashURL(normalized)
	}
	if u.RawQuery == "" {
		if key := slugKey(u.Path); key != "" {
			return key
		}
	}
	fallback := u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		fallback += "?" + u.RawQuery
	}
	return hashURL(fallback)
}

func slugKey(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		segment := segments[i]
		switch ext := strings.ToLower(path.Ext(segment)); ext {
		case ".html", ".htm":
			segment = strings.TrimSuffix(segment, path.Ext(segment))
		case ".php", ".asp", ".aspx", ".jsp", ".cgi", ".do", ".action":
			// product.php and similar name a script, not a product.
			return ""
		}
		key := NormalizeKey(segment)
		if key == "" || key == "." {
			continue
		}
		if _, generic := genericSegments[key]; generic {
			continue
		}
		return key
	}
	return ""
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
