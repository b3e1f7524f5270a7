package utils

import (
	"net/url"
	"strings"
)

// ParsedPath is the result of splitting a page URL.
type ParsedPath struct {
	Path   string
	Hash   string
	Query  map[string]string
	Origin string
}

// ParsePath splits a full page URL into its components. Unparseable input
// yields an empty ParsedPath.
func ParsePath(raw string) ParsedPath {
	if raw == "" {
		return ParsedPath{}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ParsedPath{}
	}

	query := make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	origin := ""
	if u.Scheme != "" && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}

	path := u.Path
	if path == "" && origin != "" {
		path = "/"
	}

	return ParsedPath{
		Path:   path,
		Hash:   u.Fragment,
		Query:  query,
		Origin: origin,
	}
}

// IsSameDomain reports whether both URLs share a host, ignoring a leading "www.".
func IsSameDomain(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && trimWWW(ua.Hostname()) == trimWWW(ub.Hostname())
}

func trimWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// ReferrerFromQuery returns the campaign source named in the page query, if any.
func ReferrerFromQuery(query map[string]string) string {
	for _, key := range []string{"utm_source", "ref", "utm_referrer"} {
		if v := query[key]; v != "" {
			return v
		}
	}
	return ""
}
