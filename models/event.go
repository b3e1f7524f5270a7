// api/models/event.go
package models

import (
	"time"
)

// Reserved event names.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventScreenView   = "screen_view"
)

// DeviceServer is the device classification given to events that did not
// come from a browser or app SDK.
const DeviceServer = "server"

// Event is a single analytics event as stored in the events table.
type Event struct {
	ID             string            `json:"id" ch:"id"`
	Name           string            `json:"name" ch:"name"`
	DeviceID       string            `json:"device_id" ch:"device_id"`
	ProfileID      string            `json:"profile_id" ch:"profile_id"`
	ProjectID      string            `json:"project_id" ch:"project_id"`
	SessionID      string            `json:"session_id" ch:"session_id"`
	Path           string            `json:"path" ch:"path"`
	Origin         string            `json:"origin" ch:"origin"`
	Referrer       string            `json:"referrer" ch:"referrer"`
	ReferrerName   string            `json:"referrer_name" ch:"referrer_name"`
	ReferrerType   string            `json:"referrer_type" ch:"referrer_type"`
	Duration       int64             `json:"duration" ch:"duration"`
	Properties     map[string]string `json:"properties" ch:"properties"`
	CreatedAt      time.Time         `json:"created_at" ch:"created_at"`
	Country        string            `json:"country" ch:"country"`
	City           string            `json:"city" ch:"city"`
	Region         string            `json:"region" ch:"region"`
	Longitude      *float64          `json:"longitude" ch:"longitude"`
	Latitude       *float64          `json:"latitude" ch:"latitude"`
	OS             string            `json:"os" ch:"os"`
	OSVersion      string            `json:"os_version" ch:"os_version"`
	Browser        string            `json:"browser" ch:"browser"`
	BrowserVersion string            `json:"browser_version" ch:"browser_version"`
	Device         string            `json:"device" ch:"device"`
	Brand          string            `json:"brand" ch:"brand"`
	Model          string            `json:"model" ch:"model"`
}

// Clone returns a copy of e that does not share its properties map.
func (e Event) Clone() Event {
	props := make(map[string]string, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	e.Properties = props
	return e
}

type TopPathResult struct {
	Path  string `json:"path"`
	Count uint64 `json:"count"`
}

type PathDurationResult struct {
	Path            string  `json:"path"`
	AverageDuration float64 `json:"averageDurationMs"`
}
