package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tracklane/api/metrics"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 5 * time.Minute
	defaultMaxAttempts  = 3
	defaultBackoff      = time.Second
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	Backoff      time.Duration
}

// Worker claims due jobs from a queue and runs them on a fixed pool of
// goroutines.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
}

func NewWorker(queue *Queue, handler Handler, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Worker{queue: queue, handler: handler, opts: opts}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.WithField("queue", w.queue.Name()).
		WithField("concurrency", w.opts.Concurrency).
		Info("Starting queue worker")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("queue", w.queue.Name()).Error("Error polling queue")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// ProcessNext runs at most one due job and reports whether it found one.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.claim(ctx, w.opts.Lease)
	if err != nil || job == nil {
		return false, err
	}

	logger := log.WithField("queue", w.queue.Name()).
		WithField("job", job.ID).
		WithField("name", job.Name)

	runErr := w.run(ctx, job)
	metrics.RecordJob(w.queue.Name(), job.Name, runErr)
	if runErr != nil {
		logger.WithError(runErr).WithField("attempts", job.Attempts+1).Warn("Job failed")
		return true, w.queue.retry(ctx, job, runErr, w.opts.MaxAttempts, w.opts.Backoff)
	}
	logger.Debug("Job completed")
	return true, w.queue.complete(ctx, job)
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}
