// Package jobs holds the queue job handlers: event ingestion with session
// reconciliation, session end synthesis and the periodic cron jobs.
package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"tracklane/api/models"
	"tracklane/api/queue"
)

// Job names.
const (
	JobIncomingEvent    = "incomingEvent"
	JobCreateSessionEnd = "createSessionEnd"
	JobFlushEvents      = "flushEvents"
	JobFlushProfiles    = "flushProfiles"
	JobSalt             = "salt"
)

// Queue names.
const (
	EventsQueue   = "events"
	SessionsQueue = "sessions"
	CronQueue     = "cron"
)

// ErrInvalidSessionState is returned when the pending job found for a device
// is not a session end job.
var ErrInvalidSessionState = errors.New("invalid session state")

// EventSink is the event buffer as seen by the jobs.
type EventSink interface {
	Insert(ctx context.Context, event models.Event) error
	FindMany(ctx context.Context, predicate func(models.Event) bool) ([]models.Event, error)
	Flush(ctx context.Context) ([]int, error)
}

// Flusher is a buffer that can be flushed by a cron job.
type Flusher interface {
	Flush(ctx context.Context) ([]int, error)
}

// EventReader looks up persisted events in the analytical store.
type EventReader interface {
	LatestScreenView(ctx context.Context, profileID, projectID string) (*models.Event, error)
	LatestSessionStart(ctx context.Context, deviceID, projectID string) (*models.Event, error)
}

// SaltRotator stores a new device id salt.
type SaltRotator interface {
	RotateSalt(ctx context.Context, salt string) error
}

// Deps are the collaborators shared by every job handler.
type Deps struct {
	Events      EventSink
	Profiles    Flusher
	Store       EventReader
	Finder      SessionFinder
	EventsQueue *queue.Queue
	Sessions    *queue.Queue
	Salts       SaltRotator
	Clock       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// InsertIncomingEvent queues an event accepted by the ingestion endpoint.
func (d *Deps) InsertIncomingEvent(ctx context.Context, payload models.IncomingEvent) error {
	_, err := d.EventsQueue.Add(ctx, JobIncomingEvent, payload, queue.JobOptions{})
	return err
}

// EventsHandler runs the jobs of the events queue.
func (d *Deps) EventsHandler(ctx context.Context, job *queue.Job) error {
	switch job.Name {
	case JobIncomingEvent:
		var payload models.IncomingEvent
		if err := job.Decode(&payload); err != nil {
			return err
		}
		return d.IncomingEvent(ctx, payload)
	default:
		return errors.Errorf("unknown events job %q", job.Name)
	}
}

// SessionsHandler runs the jobs of the sessions queue.
func (d *Deps) SessionsHandler(ctx context.Context, job *queue.Job) error {
	switch job.Name {
	case JobCreateSessionEnd:
		return d.CreateSessionEnd(ctx, job)
	default:
		return errors.Errorf("unknown sessions job %q", job.Name)
	}
}

// CronHandler runs the repeatable jobs of the cron queue.
func (d *Deps) CronHandler(ctx context.Context, job *queue.Job) error {
	switch job.Name {
	case JobFlushEvents:
		return d.FlushEvents(ctx)
	case JobFlushProfiles:
		return d.FlushProfiles(ctx)
	case JobSalt:
		return d.Salt(ctx)
	default:
		return errors.Errorf("unknown cron job %q", job.Name)
	}
}
