// api/handlers/stats_handlers.go
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"tracklane/api/models"
	"tracklane/api/store"
	"tracklane/api/utils"
)

const defaultStatsWindow = 7 * 24 * time.Hour

// StatsReader runs the dashboard queries.
type StatsReader interface {
	GetEventCountsOverTime(ctx context.Context, projectID, interval string, start, end time.Time, nameFilter string) ([]store.EventCountByTime, error)
	GetAverageScreenViewDuration(ctx context.Context, projectID string, start, end time.Time, limit uint64) ([]models.PathDurationResult, error)
	GetTopNPaths(ctx context.Context, projectID string, start, end time.Time, limit uint64) ([]models.TopPathResult, error)
}

type StatsHandlers struct {
	Stats StatsReader
}

func NewStatsHandlers(s StatsReader) *StatsHandlers {
	return &StatsHandlers{
		Stats: s,
	}
}

func (h *StatsHandlers) GetEventCountsOverTime(c *gin.Context) {
	projectID, start, end, ok := statsParams(c)
	if !ok {
		return
	}

	interval := c.Query("interval")
	if !utils.IsValidInterval(interval) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval query parameter is required (e.g., 'Day', 'Hour')"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Stats.GetEventCountsOverTime(ctx, projectID, interval, start, end, c.Query("name"))
	if err != nil {
		log.WithError(err).Error("Error getting event counts over time")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve event statistics"})
		return
	}

	c.JSON(http.StatusOK, results)
}

func (h *StatsHandlers) GetAverageScreenViewDuration(c *gin.Context) {
	projectID, start, end, ok := statsParams(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Stats.GetAverageScreenViewDuration(ctx, projectID, start, end, limit)
	if err != nil {
		log.WithError(err).Error("Error getting average screen view duration")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve screen view duration statistics"})
		return
	}

	c.JSON(http.StatusOK, results)
}

func (h *StatsHandlers) GetTopNPaths(c *gin.Context) {
	projectID, start, end, ok := statsParams(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Stats.GetTopNPaths(ctx, projectID, start, end, limit)
	if err != nil {
		log.WithError(err).Error("Error getting top paths")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve top paths statistics"})
		return
	}

	c.JSON(http.StatusOK, results)
}

// statsParams reads the project header and the start/end range, defaulting
// to the last seven days. It writes the error response itself.
func statsParams(c *gin.Context) (string, time.Time, time.Time, bool) {
	projectID := c.GetHeader(ProjectHeader)
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + ProjectHeader + " header"})
		return "", time.Time{}, time.Time{}, false
	}

	end := time.Now().UTC()
	if endParam := c.Query("end"); endParam != "" {
		parsed, err := time.Parse(time.RFC3339, endParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'end' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return "", time.Time{}, time.Time{}, false
		}
		end = parsed.UTC()
	}

	start := end.Add(-defaultStatsWindow)
	if startParam := c.Query("start"); startParam != "" {
		parsed, err := time.Parse(time.RFC3339, startParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'start' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return "", time.Time{}, time.Time{}, false
		}
		start = parsed.UTC()
	}

	if start.After(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'start' must not be after 'end'"})
		return "", time.Time{}, time.Time{}, false
	}
	return projectID, start, end, true
}

func limitParam(c *gin.Context) (uint64, bool) {
	var limit uint64 = 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || parsed == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'limit' parameter. Must be a positive integer."})
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}
