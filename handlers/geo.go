package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"tracklane/api/models"
)

// GeoResolver maps a client IP to a location.
type GeoResolver interface {
	Resolve(ip string, header http.Header) models.Geo
}

// HeaderGeoResolver reads the location that an edge proxy attached to the
// request. It knows the Cloudflare and Vercel headers.
type HeaderGeoResolver struct{}

func (HeaderGeoResolver) Resolve(_ string, header http.Header) models.Geo {
	geo := models.Geo{
		Country: firstHeader(header, "CF-IPCountry", "X-Vercel-IP-Country"),
		City:    firstHeader(header, "CF-IPCity", "X-Vercel-IP-City"),
		Region:  firstHeader(header, "CF-Region", "X-Vercel-IP-Country-Region"),
	}
	geo.Longitude = floatHeader(header, "CF-IPLongitude", "X-Vercel-IP-Longitude")
	geo.Latitude = floatHeader(header, "CF-IPLatitude", "X-Vercel-IP-Latitude")
	// unknown and Tor exits
	if geo.Country == "XX" || geo.Country == "T1" {
		geo.Country = ""
	}
	return geo
}

func firstHeader(header http.Header, names ...string) string {
	for _, name := range names {
		if v := header.Get(name); v != "" {
			// vercel url-encodes city names
			if decoded, err := url.QueryUnescape(v); err == nil {
				return decoded
			}
			return v
		}
	}
	return ""
}

func floatHeader(header http.Header, names ...string) *float64 {
	v := firstHeader(header, names...)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
