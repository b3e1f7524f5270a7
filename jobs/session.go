package jobs

import (
	"context"

	"tracklane/api/models"
	"tracklane/api/queue"
	"tracklane/api/utils"
)

// SessionFinder locates the session_start of a device's most recent session.
type SessionFinder interface {
	FindSessionStart(ctx context.Context, projectID, deviceID string) (*models.Event, error)
}

// BufferedSessionFinder looks in the event buffer first and falls back to
// the analytical store for session starts that were already flushed.
type BufferedSessionFinder struct {
	Events EventSink
	Store  EventReader
}

func (f *BufferedSessionFinder) FindSessionStart(ctx context.Context, projectID, deviceID string) (*models.Event, error) {
	buffered, err := f.Events.FindMany(ctx, func(e models.Event) bool {
		return e.Name == models.EventSessionStart && e.DeviceID == deviceID && e.ProjectID == projectID
	})
	if err != nil {
		return nil, err
	}
	if len(buffered) > 0 {
		latest := buffered[0]
		for _, e := range buffered[1:] {
			if e.CreatedAt.After(latest.CreatedAt) {
				latest = e
			}
		}
		return &latest, nil
	}
	return f.Store.LatestSessionStart(ctx, deviceID, projectID)
}

// sessionEndPayload is the data of a createSessionEnd job.
type sessionEndPayload struct {
	ProjectID string `json:"projectId"`
	DeviceID  string `json:"deviceId"`
}

// findSessionEnd returns the pending session end job of the first candidate
// device that has one. A nil job means no session is open.
func (d *Deps) findSessionEnd(ctx context.Context, projectID string, candidates ...string) (string, *queue.Job, error) {
	seen := make(map[string]bool, len(candidates))
	for _, deviceID := range candidates {
		if deviceID == "" || seen[deviceID] {
			continue
		}
		seen[deviceID] = true

		job, err := d.Sessions.FindByPrefix(ctx, utils.SessionEndJobPrefix(projectID, deviceID))
		if err != nil {
			return "", nil, err
		}
		if job == nil {
			continue
		}
		if job.Name != JobCreateSessionEnd {
			return "", nil, ErrInvalidSessionState
		}
		return deviceID, job, nil
	}
	return "", nil, nil
}
