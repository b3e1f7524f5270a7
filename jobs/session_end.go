package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracklane/api/models"
	"tracklane/api/queue"
	"tracklane/api/utils"
)

// CreateSessionEnd closes the session of a device once its session end job
// fires. The job's final delay encodes the time of the last activity.
func (d *Deps) CreateSessionEnd(ctx context.Context, job *queue.Job) error {
	var payload sessionEndPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	logger := log.WithField("project", payload.ProjectID).WithField("device", payload.DeviceID)

	start, err := d.finder().FindSessionStart(ctx, payload.ProjectID, payload.DeviceID)
	if err != nil {
		return errors.WithMessage(err, "error looking up session start")
	}
	if start == nil {
		logger.Warn("No session_start found, skipping session_end")
		return nil
	}

	lastActivity := job.Timestamp.Add(job.Delay - utils.SessionEndTimeout)
	if lastActivity.Before(start.CreatedAt) {
		lastActivity = start.CreatedAt
	}

	end := start.Clone()
	end.ID = uuid.NewString()
	end.Name = models.EventSessionEnd
	end.CreatedAt = lastActivity
	end.Duration = lastActivity.Sub(start.CreatedAt).Milliseconds()

	if err := d.Events.Insert(ctx, end); err != nil {
		return err
	}
	logger.WithField("session", end.SessionID).
		WithField("duration", end.Duration).
		Debug("Closed session")
	return nil
}
