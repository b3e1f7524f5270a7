package utils

import (
	"fmt"
	"time"
)

const (
	// SessionTimeout is the inactivity gap after which a session is over.
	SessionTimeout = 30 * time.Minute
	// SessionEndTimeout is the delay given to session end jobs. The extra
	// second lets the last event of a session land before the job fires.
	SessionEndTimeout = SessionTimeout + time.Second
)

// SessionEndJobPrefix is the job id prefix shared by every session end job of
// a device.
func SessionEndJobPrefix(projectID, deviceID string) string {
	return fmt.Sprintf("sessionEnd:%s:%s:", projectID, deviceID)
}

// SessionEndJobID is the unique job id of a session end job scheduled at t.
func SessionEndJobID(projectID, deviceID string, t time.Time) string {
	return fmt.Sprintf("%s%d", SessionEndJobPrefix(projectID, deviceID), t.UnixMilli())
}

// ClampToNow returns t, or now when t lies in the future.
func ClampToNow(t, now time.Time) time.Time {
	if t.After(now) {
		return now
	}
	return t
}
