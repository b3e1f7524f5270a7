package buffer

import (
	"context"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tracklane/api/models"
	"tracklane/api/utils"
)

const (
	EventsTable = "events"

	// LiveEventChannel is the pub/sub channel every written event is published on.
	LiveEventChannel = "event"
	liveEventTTL     = 5 * time.Minute

	// sessionBatchFactor is the number of buffered events reserved per open
	// session so that each session's last screen_view fits in a snapshot.
	sessionBatchFactor = 3

	propertiesFromKey = "__properties_from"
	durationFromKey   = "__duration_from"
)

// EventWriter persists events to the analytical store.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []models.Event) error
}

// SessionTracker reports on the pending session end jobs of open sessions.
type SessionTracker interface {
	CountDelayed(ctx context.Context) (int64, error)
	HasPending(ctx context.Context, prefix string) (bool, error)
}

// EventBuffer holds events until their screen_view durations can be computed.
type EventBuffer struct {
	*Buffer[models.Event]
}

type eventProcessor struct {
	writer        EventWriter
	sessions      SessionTracker
	fallbackBatch int
	clock         func() time.Time
}

type EventBufferOption func(*eventProcessor)

// WithEventClock sets the time source used to age held back screen_views.
func WithEventClock(clock func() time.Time) EventBufferOption {
	return func(p *eventProcessor) {
		p.clock = clock
	}
}

// NewEventBuffer creates the events buffer.
func NewEventBuffer(store Store, writer EventWriter, sessions SessionTracker, fallbackBatch int, onCompleted OnCompleted[models.Event], opts ...EventBufferOption) *EventBuffer {
	p := &eventProcessor{
		writer:        writer,
		sessions:      sessions,
		fallbackBatch: fallbackBatch,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return &EventBuffer{Buffer: NewBuffer[models.Event](EventsTable, store, p, onCompleted)}
}

// BatchSize is three times the number of open sessions, with fallbackBatch
// as a floor. The floor also applies when the sessions cannot be counted, and
// keeps a handful of open sessions from triggering a flush on every insert.
func (p *eventProcessor) BatchSize(ctx context.Context) int {
	if p.sessions == nil {
		return p.fallbackBatch
	}
	open, err := p.sessions.CountDelayed(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not count open sessions, using fallback batch size")
		return p.fallbackBatch
	}
	if size := int(open) * sessionBatchFactor; size > p.fallbackBatch {
		return size
	}
	return p.fallbackBatch
}

func (p *eventProcessor) ProcessQueue(ctx context.Context, queue []QueueItem[models.Event]) ([]QueueItem[models.Event], error) {
	toWrite := StitchEvents(queue, p.sessionClosed(ctx))
	if len(toWrite) == 0 {
		return nil, nil
	}

	events := make([]models.Event, len(toWrite))
	for i, item := range toWrite {
		events[i] = item.Event
	}
	if err := p.writer.InsertEvents(ctx, events); err != nil {
		return nil, err
	}
	return toWrite, nil
}

// sessionClosed reports whether the session of a held back screen_view can no
// longer send a successor. That is the case once its session end job is gone
// or the view is older than a whole session timeout.
func (p *eventProcessor) sessionClosed(ctx context.Context) func(models.Event) bool {
	now := p.clock()
	pending := make(map[string]bool)
	return func(event models.Event) bool {
		if now.Sub(event.CreatedAt) > utils.SessionEndTimeout {
			return true
		}
		if p.sessions == nil {
			return false
		}
		prefix := utils.SessionEndJobPrefix(event.ProjectID, event.DeviceID)
		open, ok := pending[prefix]
		if !ok {
			var err error
			if open, err = p.sessions.HasPending(ctx, prefix); err != nil {
				log.WithError(err).Warnf("Could not look up session end job %s, holding screen_view", prefix)
				open = true
			}
			pending[prefix] = open
		}
		return !open
	}
}

// StitchEvents selects the events of a snapshot that are ready to be written.
//
// Events other than screen_view are ready as they are; server events of an
// identified profile borrow the context of that profile's latest earlier
// event that has a path. screen_views get the time until the next
// screen_view of their session as duration, and screen_views without a
// session are written right away. The last screen_view of a session stays
// buffered until its successor or the session_end of that session is in the
// snapshot, or until closed reports that neither will arrive. A nil closed
// holds it back indefinitely.
func StitchEvents(queue []QueueItem[models.Event], closed func(models.Event) bool) []QueueItem[models.Event] {
	sorted := make([]QueueItem[models.Event], len(queue))
	copy(sorted, queue)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Event.CreatedAt.Before(sorted[j].Event.CreatedAt)
	})

	var ready []QueueItem[models.Event]
	sessionEnds := make(map[string]bool)
	screenViews := make(map[string][]QueueItem[models.Event])
	var sessionOrder []string

	for i, item := range sorted {
		event := item.Event
		if event.Name == models.EventSessionEnd {
			sessionEnds[event.SessionID] = true
		}
		if event.Name == models.EventScreenView {
			// no session means no successor can ever be found
			if event.SessionID == "" {
				ready = append(ready, item)
				continue
			}
			if _, ok := screenViews[event.SessionID]; !ok {
				sessionOrder = append(sessionOrder, event.SessionID)
			}
			screenViews[event.SessionID] = append(screenViews[event.SessionID], item)
			continue
		}

		if event.ProfileID != "" && event.Device == models.DeviceServer {
			if source, ok := lastEventWithPath(sorted[:i], event.ProfileID); ok {
				merged := mergeEvents(source.Event, event)
				merged.Properties[propertiesFromKey] = source.Event.ID
				ready = append(ready, QueueItem[models.Event]{Event: merged, Index: item.Index})
				continue
			}
		}
		ready = append(ready, item)
	}

	for _, sessionID := range sessionOrder {
		views := screenViews[sessionID]
		for i, item := range views {
			if i+1 < len(views) {
				next := views[i+1]
				event := item.Event.Clone()
				event.Duration = next.Event.CreatedAt.Sub(event.CreatedAt).Milliseconds()
				event.Properties[durationFromKey] = next.Event.ID
				ready = append(ready, QueueItem[models.Event]{Event: event, Index: item.Index})
			} else if sessionEnds[sessionID] || (closed != nil && closed(item.Event)) {
				ready = append(ready, item)
			}
		}
	}
	return ready
}

func lastEventWithPath(earlier []QueueItem[models.Event], profileID string) (QueueItem[models.Event], bool) {
	for i := len(earlier) - 1; i >= 0; i-- {
		candidate := earlier[i].Event
		if candidate.ProfileID == profileID && candidate.Path != "" {
			return earlier[i], true
		}
	}
	return QueueItem[models.Event]{}, false
}

// mergeEvents lays incoming over base. Empty fields of incoming keep the
// value from base; properties are merged key by key.
func mergeEvents(base, incoming models.Event) models.Event {
	merged := incoming.Clone()
	merged.DeviceID = utils.FirstNonEmpty(incoming.DeviceID, base.DeviceID)
	merged.ProfileID = utils.FirstNonEmpty(incoming.ProfileID, base.ProfileID)
	merged.ProjectID = utils.FirstNonEmpty(incoming.ProjectID, base.ProjectID)
	merged.SessionID = utils.FirstNonEmpty(incoming.SessionID, base.SessionID)
	merged.Path = utils.FirstNonEmpty(incoming.Path, base.Path)
	merged.Origin = utils.FirstNonEmpty(incoming.Origin, base.Origin)
	merged.Referrer = utils.FirstNonEmpty(incoming.Referrer, base.Referrer)
	merged.ReferrerName = utils.FirstNonEmpty(incoming.ReferrerName, base.ReferrerName)
	merged.ReferrerType = utils.FirstNonEmpty(incoming.ReferrerType, base.ReferrerType)
	merged.Country = utils.FirstNonEmpty(incoming.Country, base.Country)
	merged.City = utils.FirstNonEmpty(incoming.City, base.City)
	merged.Region = utils.FirstNonEmpty(incoming.Region, base.Region)
	merged.OS = utils.FirstNonEmpty(incoming.OS, base.OS)
	merged.OSVersion = utils.FirstNonEmpty(incoming.OSVersion, base.OSVersion)
	merged.Browser = utils.FirstNonEmpty(incoming.Browser, base.Browser)
	merged.BrowserVersion = utils.FirstNonEmpty(incoming.BrowserVersion, base.BrowserVersion)
	merged.Brand = utils.FirstNonEmpty(incoming.Brand, base.Brand)
	merged.Model = utils.FirstNonEmpty(incoming.Model, base.Model)
	if merged.Longitude == nil {
		merged.Longitude = base.Longitude
	}
	if merged.Latitude == nil {
		merged.Latitude = base.Latitude
	}
	merged.Properties = utils.MergeProperties(base.Properties, incoming.Properties)
	return merged
}

// RedisLiveNotifier announces written events to live dashboards.
type RedisLiveNotifier struct {
	db redis.UniversalClient
}

func NewRedisLiveNotifier(db redis.UniversalClient) *RedisLiveNotifier {
	return &RedisLiveNotifier{db: db}
}

// Notify publishes every event and marks its profile as live. Failures are
// logged and otherwise ignored.
func (n *RedisLiveNotifier) Notify(ctx context.Context, events []models.Event) {
	pipe := n.db.Pipeline()
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			log.WithError(err).Warnf("Failed to encode event %s for publishing", event.ID)
			continue
		}
		pipe.Publish(ctx, LiveEventChannel, data)
		pipe.Set(ctx, LiveEventKey(event.ProjectID, event.ProfileID), "", liveEventTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).Warnf("Failed to publish %d live events", len(events))
	}
}

// LiveEventKey marks a profile as recently active in a project.
func LiveEventKey(projectID, profileID string) string {
	return fmt.Sprintf("live:event:%s:%s", projectID, profileID)
}
