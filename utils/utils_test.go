package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToDots(t *testing.T) {
	got := ToDots(map[string]interface{}{
		"plan": map[string]interface{}{
			"tier":  "pro",
			"seats": 3.0,
		},
		"tags":    []interface{}{"a", " b "},
		"enabled": true,
		"missing": nil,
		"name":    "  Ada ",
	})

	assert.Equal(t, map[string]string{
		"plan.tier":  "pro",
		"plan.seats": "3",
		"tags.0":     "a",
		"tags.1":     "b",
		"enabled":    "true",
		"name":       "Ada",
	}, got)
}

func TestMergePropertiesDoesNotModifyInputs(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	incoming := map[string]string{"b": "3"}

	merged := MergeProperties(base, incoming)

	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, merged)
	assert.Equal(t, "2", base["b"])
}

func TestOmit(t *testing.T) {
	props := map[string]interface{}{"__path": "/", "__referrer": "x", "plan": "pro"}
	assert.Equal(t, map[string]interface{}{"plan": "pro"}, Omit(props, "__path", "__referrer"))
	assert.Len(t, props, 3)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", "b", "c"))
	assert.Empty(t, FirstNonEmpty("", ""))
}

func TestParsePath(t *testing.T) {
	p := ParsePath("https://shop.example/cart?utm_source=google&ref=x#top")
	assert.Equal(t, "/cart", p.Path)
	assert.Equal(t, "top", p.Hash)
	assert.Equal(t, "https://shop.example", p.Origin)
	assert.Equal(t, map[string]string{"utm_source": "google", "ref": "x"}, p.Query)

	assert.Equal(t, "/", ParsePath("https://shop.example").Path)
	assert.Equal(t, ParsedPath{}, ParsePath(""))
	assert.Equal(t, ParsedPath{}, ParsePath("http://[::1"))
}

func TestIsSameDomain(t *testing.T) {
	tests := map[string]struct {
		a, b     string
		expected bool
	}{
		"same host":      {"https://shop.example/a", "https://shop.example/b", true},
		"www prefix":     {"https://www.shop.example/", "https://shop.example/", true},
		"other host":     {"https://google.com/", "https://shop.example/", false},
		"empty referrer": {"", "https://shop.example/", false},
		"relative url":   {"/cart", "/checkout", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsSameDomain(tc.a, tc.b))
		})
	}
}

func TestReferrerFromQuery(t *testing.T) {
	assert.Equal(t, "newsletter", ReferrerFromQuery(map[string]string{"utm_source": "newsletter", "ref": "x"}))
	assert.Equal(t, "x", ReferrerFromQuery(map[string]string{"ref": "x"}))
	assert.Empty(t, ReferrerFromQuery(nil))
}

func TestParseReferrer(t *testing.T) {
	tests := map[string]struct {
		raw      string
		expected Referrer
	}{
		"empty":          {"", Referrer{}},
		"search":         {"https://www.google.com/search?q=go", Referrer{URL: "https://www.google.com/search?q=go", Name: "Google", Type: "search"}},
		"country suffix": {"https://news.google.co.uk/", Referrer{URL: "https://news.google.co.uk/", Name: "Google", Type: "search"}},
		"short link":     {"https://t.co/abc", Referrer{URL: "https://t.co/abc", Name: "Twitter", Type: "social"}},
		"unknown":        {"https://www.blog.example/post", Referrer{URL: "https://www.blog.example/post", Name: "blog.example"}},
		"not a url":      {"android-app", Referrer{URL: "android-app"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseReferrer(tc.raw))
		})
	}
}

func TestReferrerFromCampaign(t *testing.T) {
	assert.Equal(t, Referrer{Name: "Facebook", Type: "social"}, ReferrerFromCampaign(map[string]string{"utm_source": "Facebook"}))
	assert.Equal(t, Referrer{Name: "spring-sale", Type: "campaign"}, ReferrerFromCampaign(map[string]string{"ref": "spring-sale"}))
	assert.Equal(t, Referrer{}, ReferrerFromCampaign(map[string]string{"utm_medium": "email"}))
}

func TestGenerateDeviceID(t *testing.T) {
	id := GenerateDeviceID("salt", "project", "10.0.0.1", "Mozilla/5.0")
	assert.Len(t, id, 32)
	assert.Equal(t, id, GenerateDeviceID("salt", "project", "10.0.0.1", "Mozilla/5.0"))
	assert.NotEqual(t, id, GenerateDeviceID("other", "project", "10.0.0.1", "Mozilla/5.0"))
	assert.NotEqual(t, id, GenerateDeviceID("salt", "project", "10.0.0.2", "Mozilla/5.0"))

	// separators keep shifted field boundaries apart
	assert.NotEqual(t, GenerateDeviceID("salt", "ab", "c", "ua"), GenerateDeviceID("salt", "a", "bc", "ua"))

	long := strings.Repeat("s", 100)
	assert.Len(t, GenerateDeviceID(long, "project", "10.0.0.1", "Mozilla/5.0"), 32)
}

func TestGenerateLegacyDeviceID(t *testing.T) {
	id := GenerateLegacyDeviceID("salt", "https://shop.example", "10.0.0.1", "Mozilla/5.0")
	assert.Len(t, id, 32)
	assert.NotEqual(t, id, GenerateDeviceID("salt", "https://shop.example", "10.0.0.1", "Mozilla/5.0"))
}

func TestIsUserAgentSet(t *testing.T) {
	assert.True(t, IsUserAgentSet("Mozilla/5.0 (Windows NT 10.0)"))
	assert.True(t, IsUserAgentSet("Dalvik/2.1.0 (Linux; U; Android 13)"))
	assert.False(t, IsUserAgentSet("curl/8.4.0"))
	assert.False(t, IsUserAgentSet("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"))
	assert.False(t, IsUserAgentSet(""))
}

func TestParseUserAgent(t *testing.T) {
	tests := map[string]struct {
		ua       string
		expected UserAgentInfo
	}{
		"iphone safari": {
			ua: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
			expected: UserAgentInfo{
				OS: "iOS", OSVersion: "17.2", Browser: "Safari", BrowserVersion: "17.2",
				Device: "mobile", Brand: "Apple", Model: "iPhone",
			},
		},
		"windows chrome": {
			ua: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			expected: UserAgentInfo{
				OS: "Windows", OSVersion: "10", Browser: "Chrome", BrowserVersion: "120.0.0.0",
				Device: "desktop",
			},
		},
		"android tablet firefox": {
			ua: "Mozilla/5.0 (Android 13; Tablet; rv:121.0) Gecko/121.0 Firefox/121.0",
			expected: UserAgentInfo{
				OS: "Android", OSVersion: "13", Browser: "Firefox", BrowserVersion: "121.0",
				Device: "tablet",
			},
		},
		"mac safari": {
			ua: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			expected: UserAgentInfo{
				OS: "Mac OS", OSVersion: "10.15.7", Browser: "Safari", BrowserVersion: "17.4",
				Device: "desktop", Brand: "Apple", Model: "Macintosh",
			},
		},
		"http library": {
			ua:       "curl/8.4.0",
			expected: UserAgentInfo{Browser: "curl", BrowserVersion: "8.4.0", Device: "desktop"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseUserAgent(tc.ua))
		})
	}
}

func TestSessionEndJobID(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	id := SessionEndJobID("project", "device", at)
	assert.Equal(t, "sessionEnd:project:device:1700000000000", id)
	assert.True(t, strings.HasPrefix(id, SessionEndJobPrefix("project", "device")))
	assert.Equal(t, SessionTimeout+time.Second, SessionEndTimeout)
}

func TestClampToNow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now, ClampToNow(now.Add(time.Minute), now))
	assert.Equal(t, now.Add(-time.Minute), ClampToNow(now.Add(-time.Minute), now))
}

func TestIsValidInterval(t *testing.T) {
	assert.True(t, IsValidInterval("Day"))
	assert.False(t, IsValidInterval("day"))
	assert.False(t, IsValidInterval(""))
}

func TestBucketFunction(t *testing.T) {
	fn, ok := BucketFunction("Week")
	assert.True(t, ok)
	assert.Equal(t, "toStartOfWeek", fn)

	_, ok = BucketFunction("Fortnight")
	assert.False(t, ok)
}
