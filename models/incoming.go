package models

import "time"

// TrackPayload is the body an SDK posts to the tracking endpoint.
type TrackPayload struct {
	Name       string                 `json:"name" binding:"required"`
	Timestamp  time.Time              `json:"timestamp"`
	ProfileID  string                 `json:"profileId,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Geo is the location resolved from the client IP before the event is queued.
type Geo struct {
	Country   string   `json:"country"`
	City      string   `json:"city"`
	Region    string   `json:"region"`
	Longitude *float64 `json:"longitude,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
}

// IncomingEvent is the unit of work handed from the ingestion endpoint to
// the event worker.
type IncomingEvent struct {
	ProjectID                  string       `json:"projectId"`
	Event                      TrackPayload `json:"event"`
	Geo                        Geo          `json:"geo"`
	UserAgent                  string       `json:"ua"`
	CurrentDeviceID            string       `json:"currentDeviceId"`
	PreviousDeviceID           string       `json:"previousDeviceId"`
	CurrentDeviceIDDeprecated  string       `json:"currentDeviceIdDeprecated,omitempty"`
	PreviousDeviceIDDeprecated string       `json:"previousDeviceIdDeprecated,omitempty"`
}

// IdentifyPayload is the body an SDK posts to attach traits to a profile.
type IdentifyPayload struct {
	ProfileID  string                 `json:"profileId" binding:"required"`
	FirstName  string                 `json:"firstName,omitempty"`
	LastName   string                 `json:"lastName,omitempty"`
	Email      string                 `json:"email,omitempty"`
	Avatar     string                 `json:"avatar,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}
