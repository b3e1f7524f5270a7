// api/handlers/track_handlers.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"tracklane/api/models"
	"tracklane/api/store"
	"tracklane/api/utils"
)

// ProjectHeader names the project an SDK reports to.
const ProjectHeader = "X-Project-Id"

// EventQueue admits tracked events for asynchronous processing.
type EventQueue interface {
	InsertIncomingEvent(ctx context.Context, payload models.IncomingEvent) error
}

// ProfileSink buffers profile updates.
type ProfileSink interface {
	Insert(ctx context.Context, profile models.Profile) error
}

// SaltSource returns the device id salts.
type SaltSource interface {
	GetSalts(ctx context.Context) (store.Salts, error)
}

type TrackHandlers struct {
	Queue    EventQueue
	Profiles ProfileSink
	Salts    SaltSource
	Geo      GeoResolver
}

func NewTrackHandlers(queue EventQueue, profiles ProfileSink, salts SaltSource, geo GeoResolver) *TrackHandlers {
	if geo == nil {
		geo = HeaderGeoResolver{}
	}
	return &TrackHandlers{
		Queue:    queue,
		Profiles: profiles,
		Salts:    salts,
		Geo:      geo,
	}
}

// TrackEvent accepts one event and hands it to the event worker. The response
// does not wait for the event to be stored.
func (h *TrackHandlers) TrackEvent(c *gin.Context) {
	projectID := c.GetHeader(ProjectHeader)
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + ProjectHeader + " header"})
		return
	}

	var body models.TrackPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	salts, err := h.Salts.GetSalts(ctx)
	if err != nil {
		log.WithError(err).Error("Error loading device id salts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record event"})
		return
	}

	ip := c.ClientIP()
	ua := c.GetHeader("User-Agent")
	origin := c.GetHeader("Origin")

	payload := models.IncomingEvent{
		ProjectID:                  projectID,
		Event:                      body,
		Geo:                        h.Geo.Resolve(ip, c.Request.Header),
		UserAgent:                  ua,
		CurrentDeviceID:            utils.GenerateDeviceID(salts.Current, projectID, ip, ua),
		PreviousDeviceID:           utils.GenerateDeviceID(salts.Previous, projectID, ip, ua),
		CurrentDeviceIDDeprecated:  utils.GenerateLegacyDeviceID(salts.Current, origin, ip, ua),
		PreviousDeviceIDDeprecated: utils.GenerateLegacyDeviceID(salts.Previous, origin, ip, ua),
	}

	if err := h.Queue.InsertIncomingEvent(ctx, payload); err != nil {
		log.WithError(err).WithField("project", projectID).Error("Error queueing incoming event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record event"})
		return
	}

	c.String(http.StatusAccepted, "ok")
}

// Identify buffers the traits of a profile.
func (h *TrackHandlers) Identify(c *gin.Context) {
	projectID := c.GetHeader(ProjectHeader)
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + ProjectHeader + " header"})
		return
	}

	var body models.IdentifyPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	profile := models.Profile{
		ID:         body.ProfileID,
		ProjectID:  projectID,
		FirstName:  body.FirstName,
		LastName:   body.LastName,
		Email:      body.Email,
		Avatar:     body.Avatar,
		Properties: utils.ToDots(body.Properties),
		IsExternal: true,
		CreatedAt:  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.Profiles.Insert(ctx, profile); err != nil {
		log.WithError(err).WithField("project", projectID).Error("Error buffering profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record profile"})
		return
	}

	c.String(http.StatusAccepted, "ok")
}
