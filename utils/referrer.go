package utils

import (
	"net/url"
	"strings"
)

// Referrer is a classified referring URL.
type Referrer struct {
	URL  string
	Name string
	Type string
}

var knownReferrers = map[string]Referrer{
	"google":     {Name: "Google", Type: "search"},
	"bing":       {Name: "Bing", Type: "search"},
	"duckduckgo": {Name: "DuckDuckGo", Type: "search"},
	"yahoo":      {Name: "Yahoo!", Type: "search"},
	"baidu":      {Name: "Baidu", Type: "search"},
	"facebook":   {Name: "Facebook", Type: "social"},
	"instagram":  {Name: "Instagram", Type: "social"},
	"twitter":    {Name: "Twitter", Type: "social"},
	"t":          {Name: "Twitter", Type: "social"},
	"x":          {Name: "Twitter", Type: "social"},
	"linkedin":   {Name: "LinkedIn", Type: "social"},
	"reddit":     {Name: "Reddit", Type: "social"},
	"youtube":    {Name: "YouTube", Type: "social"},
	"gmail":      {Name: "Gmail", Type: "email"},
	"outlook":    {Name: "Outlook.com", Type: "email"},
}

// ParseReferrer classifies a referring URL by its registered domain name.
// Unknown domains keep their host as name and an empty type.
func ParseReferrer(raw string) Referrer {
	if raw == "" {
		return Referrer{}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return Referrer{URL: raw}
	}
	host := trimWWW(u.Hostname())
	if known, ok := knownReferrers[domainLabel(host)]; ok {
		known.URL = raw
		return known
	}
	return Referrer{URL: raw, Name: host}
}

// ReferrerFromCampaign classifies the campaign source found in a page query.
func ReferrerFromCampaign(query map[string]string) Referrer {
	source := ReferrerFromQuery(query)
	if source == "" {
		return Referrer{}
	}
	if known, ok := knownReferrers[strings.ToLower(source)]; ok {
		return known
	}
	return Referrer{Name: source, Type: "campaign"}
}

// domainLabel returns the label left of the public suffix, e.g. "google"
// for "news.google.co.uk".
func domainLabel(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	label := labels[len(labels)-2]
	// second level suffixes such as co.uk or com.au
	if len(labels) >= 3 && (label == "co" || label == "com") {
		label = labels[len(labels)-3]
	}
	return label
}
