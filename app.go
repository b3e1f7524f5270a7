package main

import (
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tracklane/api/buffer"
	"tracklane/api/config"
	"tracklane/api/database"
	"tracklane/api/jobs"
	"tracklane/api/queue"
	"tracklane/api/store"
)

// app holds the connections, stores, buffers and queues shared by the
// commands.
type app struct {
	redis      *redis.Client
	clickhouse *database.ClickHouseClient
	postgres   *database.DBClient

	analytics *store.AnalyticsStore
	salts     *store.SaltStore

	events   *buffer.EventBuffer
	profiles *buffer.ProfileBuffer

	eventsQueue   *queue.Queue
	sessionsQueue *queue.Queue
	cronQueue     *queue.Queue

	deps *jobs.Deps
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{}

	var err error
	if a.redis, err = database.NewRedisClient(cfg.Redis); err != nil {
		return nil, err
	}
	if a.clickhouse, err = database.NewClickHouseDB(cfg.ClickHouse); err != nil {
		a.Close()
		return nil, err
	}
	if a.postgres, err = database.NewPostgresDB(cfg.DatabaseURL); err != nil {
		a.Close()
		return nil, err
	}

	a.analytics = store.NewAnalyticsStore(a.clickhouse)
	a.salts = store.NewSaltStore(a.postgres.DB)

	a.eventsQueue = queue.New(jobs.EventsQueue, a.redis)
	a.sessionsQueue = queue.New(jobs.SessionsQueue, a.redis)
	a.cronQueue = queue.New(jobs.CronQueue, a.redis)

	listStore := buffer.NewRedisListStore(a.redis)
	notifier := buffer.NewRedisLiveNotifier(a.redis)
	a.events = buffer.NewEventBuffer(listStore, a.analytics, a.sessionsQueue, cfg.EventBatchSize, notifier.Notify)
	a.profiles = buffer.NewProfileBuffer(listStore, a.analytics, cfg.ProfileBatchSize)

	a.deps = &jobs.Deps{
		Events:      a.events,
		Profiles:    a.profiles,
		Store:       a.analytics,
		EventsQueue: a.eventsQueue,
		Sessions:    a.sessionsQueue,
		Salts:       a.salts,
	}
	return a, nil
}

func (a *app) Close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.clickhouse != nil {
		a.clickhouse.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.WithError(err).Warn("Error closing redis connection")
		}
	}
}
