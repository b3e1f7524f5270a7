package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracklane/api/queue"
)

const saltBytes = 32

func (d *Deps) FlushEvents(ctx context.Context) error {
	indices, err := d.Events.Flush(ctx)
	if err != nil {
		return errors.WithMessage(err, "error flushing events")
	}
	log.Debugf("Flushed %d events", len(indices))
	return nil
}

func (d *Deps) FlushProfiles(ctx context.Context) error {
	indices, err := d.Profiles.Flush(ctx)
	if err != nil {
		return errors.WithMessage(err, "error flushing profiles")
	}
	log.Debugf("Flushed %d profiles", len(indices))
	return nil
}

// Salt rotates the device id salt.
func (d *Deps) Salt(ctx context.Context) error {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return errors.Wrap(err, "error generating salt")
	}
	return d.Salts.RotateSalt(ctx, hex.EncodeToString(buf))
}

// ScheduleCron registers the repeatable jobs. Re-registering is a no-op, so
// every worker can call it on start.
func (d *Deps) ScheduleCron(ctx context.Context, cron *queue.Queue, flushInterval time.Duration) error {
	now := d.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

	jobs := []struct {
		name string
		opts queue.JobOptions
	}{
		{JobFlushEvents, queue.JobOptions{JobID: JobFlushEvents, Delay: flushInterval, Every: flushInterval}},
		{JobFlushProfiles, queue.JobOptions{JobID: JobFlushProfiles, Delay: flushInterval, Every: flushInterval}},
		{JobSalt, queue.JobOptions{JobID: JobSalt, Delay: midnight.Sub(now), Every: 24 * time.Hour}},
	}
	for _, job := range jobs {
		if _, err := cron.Add(ctx, job.name, nil, job.opts); err != nil {
			return errors.WithMessagef(err, "error scheduling %s", job.name)
		}
	}
	return nil
}
