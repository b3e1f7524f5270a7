package utils

import (
	"strings"

	"github.com/mssola/useragent"
)

// UserAgentInfo is the coarse classification of a user agent string.
type UserAgentInfo struct {
	OS             string
	OSVersion      string
	Browser        string
	BrowserVersion string
	Device         string
	Brand          string
	Model          string
}

var browserMarkers = []string{"Mozilla/", "Dalvik/", "CFNetwork/", "Opera/"}

// osNames maps the parser's operating system names to the names stored in
// ClickHouse.
var osNames = map[string]string{
	"iPhone OS": "iOS",
	"OS":        "iOS",
	"Mac OS X":  "Mac OS",
}

// IsUserAgentSet reports whether ua came from a browser or an app runtime.
// Empty agents, HTTP libraries and crawlers count as server traffic.
func IsUserAgentSet(ua string) bool {
	if ua == "" || useragent.New(ua).Bot() {
		return false
	}
	for _, marker := range browserMarkers {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// ParseUserAgent extracts OS, browser and device class from ua.
func ParseUserAgent(ua string) UserAgentInfo {
	parsed := useragent.New(ua)
	osInfo := parsed.OSInfo()
	browser, browserVersion := parsed.Browser()

	info := UserAgentInfo{
		OS:             osInfo.Name,
		OSVersion:      osInfo.Version,
		Browser:        browser,
		BrowserVersion: browserVersion,
		Device:         deviceType(ua, parsed),
		Model:          parsed.Model(),
	}
	if name, ok := osNames[info.OS]; ok {
		info.OS = name
	}
	if strings.HasPrefix(info.OS, "Android") {
		info.OS = "Android"
	}

	switch parsed.Platform() {
	case "iPhone", "iPad", "Macintosh":
		info.Brand = "Apple"
		if info.Model == "" {
			info.Model = parsed.Platform()
		}
	}
	return info
}

func deviceType(ua string, parsed *useragent.UserAgent) string {
	switch {
	case strings.Contains(ua, "iPad") || strings.Contains(ua, "Tablet"):
		return "tablet"
	case strings.Contains(ua, "Android") && !strings.Contains(ua, "Mobile"):
		return "tablet"
	case parsed.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}
