package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracklane/api/models"
	"tracklane/api/queue"
	"tracklane/api/utils"
)

const (
	pathProperty     = "__path"
	referrerProperty = "__referrer"
	hashProperty     = "__hash"
	queryProperty    = "__query"

	// sessionStartOffset places session_start just before the event that
	// opened the session.
	sessionStartOffset = 100 * time.Millisecond
)

// IncomingEvent turns a tracked event into one or two buffered events. Browser
// and app traffic goes through session reconciliation; server traffic
// inherits the context of the profile's latest screen_view instead.
func (d *Deps) IncomingEvent(ctx context.Context, payload models.IncomingEvent) error {
	now := d.now()
	body := payload.Event
	properties := body.Properties
	if properties == nil {
		properties = map[string]interface{}{}
	}

	createdAt := body.Timestamp
	if createdAt.IsZero() {
		createdAt = now
	}
	createdAt = utils.ClampToNow(createdAt, now)

	pageURL := stringProperty(properties, pathProperty)
	page := utils.ParsePath(pageURL)
	referrerURL := stringProperty(properties, referrerProperty)
	var referrer utils.Referrer
	if !utils.IsSameDomain(referrerURL, pageURL) {
		referrer = utils.ParseReferrer(referrerURL)
	}
	campaign := utils.ReferrerFromCampaign(page.Query)

	if payload.UserAgent == "" || !utils.IsUserAgentSet(payload.UserAgent) {
		return d.serverEvent(ctx, payload, createdAt, properties)
	}

	deviceID, sessionEnd, err := d.findSessionEnd(ctx, payload.ProjectID,
		payload.CurrentDeviceID,
		payload.PreviousDeviceID,
		payload.CurrentDeviceIDDeprecated,
		payload.PreviousDeviceIDDeprecated,
	)
	if err != nil {
		return err
	}

	logger := log.WithField("project", payload.ProjectID)
	newSession := sessionEnd == nil
	if newSession {
		deviceID = payload.CurrentDeviceID
		_, err := d.Sessions.Add(ctx, JobCreateSessionEnd,
			sessionEndPayload{ProjectID: payload.ProjectID, DeviceID: deviceID},
			queue.JobOptions{
				JobID: utils.SessionEndJobID(payload.ProjectID, deviceID, now),
				Delay: utils.SessionEndTimeout,
			})
		if err != nil {
			return errors.WithMessage(err, "error scheduling session end")
		}
		logger.WithField("device", deviceID).Debug("Opened session")
	} else {
		elapsed := now.Sub(sessionEnd.Timestamp)
		if err := sessionEnd.ChangeDelay(ctx, elapsed+utils.SessionEndTimeout); err != nil {
			// the session end job started in the meantime, the event still
			// belongs to the session that is being closed
			logger.WithError(err).WithField("job", sessionEnd.ID).Warn("Could not extend session")
		}
	}

	sessionStart, err := d.finder().FindSessionStart(ctx, payload.ProjectID, deviceID)
	if err != nil {
		return errors.WithMessage(err, "error looking up session start")
	}

	sessionID := ""
	origin := page.Origin
	if sessionStart != nil {
		sessionID = sessionStart.SessionID
		origin = utils.FirstNonEmpty(origin, sessionStart.Origin)
	}
	if newSession {
		sessionID = uuid.NewString()
	}

	ua := utils.ParseUserAgent(payload.UserAgent)
	event := models.Event{
		ID:             uuid.NewString(),
		Name:           body.Name,
		DeviceID:       deviceID,
		ProfileID:      body.ProfileID,
		ProjectID:      payload.ProjectID,
		SessionID:      sessionID,
		Path:           page.Path,
		Origin:         origin,
		Referrer:       referrer.URL,
		ReferrerName:   utils.FirstNonEmpty(referrer.Name, campaign.Name),
		ReferrerType:   utils.FirstNonEmpty(referrer.Type, campaign.Type),
		Properties:     eventProperties(properties, page),
		CreatedAt:      createdAt,
		Country:        payload.Geo.Country,
		City:           payload.Geo.City,
		Region:         payload.Geo.Region,
		Longitude:      payload.Geo.Longitude,
		Latitude:       payload.Geo.Latitude,
		OS:             ua.OS,
		OSVersion:      ua.OSVersion,
		Browser:        ua.Browser,
		BrowserVersion: ua.BrowserVersion,
		Device:         ua.Device,
		Brand:          ua.Brand,
		Model:          ua.Model,
	}

	if newSession {
		start := event.Clone()
		start.ID = uuid.NewString()
		start.Name = models.EventSessionStart
		start.CreatedAt = utils.ClampToNow(createdAt.Add(-sessionStartOffset), now)
		if err := d.Events.Insert(ctx, start); err != nil {
			return err
		}
	}
	return d.Events.Insert(ctx, event)
}

// serverEvent records an event sent from a backend. It has no session of its
// own and borrows device, session, geo and client context from the latest
// screen_view of the profile.
func (d *Deps) serverEvent(ctx context.Context, payload models.IncomingEvent, createdAt time.Time, properties map[string]interface{}) error {
	var last models.Event
	if payload.Event.ProfileID != "" {
		found, err := d.Store.LatestScreenView(ctx, payload.Event.ProfileID, payload.ProjectID)
		if err != nil {
			return errors.WithMessage(err, "error looking up latest screen view")
		}
		if found != nil {
			last = *found
		}
	}

	event := models.Event{
		ID:             uuid.NewString(),
		Name:           payload.Event.Name,
		DeviceID:       last.DeviceID,
		ProfileID:      payload.Event.ProfileID,
		ProjectID:      payload.ProjectID,
		SessionID:      last.SessionID,
		Path:           last.Path,
		Origin:         last.Origin,
		Referrer:       last.Referrer,
		ReferrerName:   last.ReferrerName,
		ReferrerType:   last.ReferrerType,
		Properties:     utils.ToDots(utils.Omit(properties, pathProperty, referrerProperty)),
		CreatedAt:      createdAt,
		Country:        utils.FirstNonEmpty(last.Country, payload.Geo.Country),
		City:           utils.FirstNonEmpty(last.City, payload.Geo.City),
		Region:         utils.FirstNonEmpty(last.Region, payload.Geo.Region),
		Longitude:      last.Longitude,
		Latitude:       last.Latitude,
		OS:             last.OS,
		OSVersion:      last.OSVersion,
		Browser:        last.Browser,
		BrowserVersion: last.BrowserVersion,
		Device:         models.DeviceServer,
		Brand:          last.Brand,
		Model:          last.Model,
	}
	if event.Longitude == nil && event.Latitude == nil {
		event.Longitude, event.Latitude = payload.Geo.Longitude, payload.Geo.Latitude
	}
	return d.Events.Insert(ctx, event)
}

func (d *Deps) finder() SessionFinder {
	if d.Finder != nil {
		return d.Finder
	}
	return &BufferedSessionFinder{Events: d.Events, Store: d.Store}
}

// eventProperties flattens the tracked properties without the routing
// properties and adds the hash and query of the page.
func eventProperties(properties map[string]interface{}, page utils.ParsedPath) map[string]string {
	props := utils.Omit(properties, pathProperty, referrerProperty)
	if page.Hash != "" {
		props[hashProperty] = page.Hash
	}
	if len(page.Query) > 0 {
		query := make(map[string]interface{}, len(page.Query))
		for k, v := range page.Query {
			query[k] = v
		}
		props[queryProperty] = query
	}
	return utils.ToDots(props)
}

// stringProperty reads a reserved property. Older SDKs send the names
// without the leading underscores.
func stringProperty(properties map[string]interface{}, name string) string {
	for _, key := range []string{name, strings.TrimPrefix(name, "__")} {
		switch v := properties[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
