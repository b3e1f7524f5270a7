package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracklane/api/database"
	"tracklane/api/models"
	"tracklane/api/utils"
)

const eventColumns = `id, name, device_id, profile_id, project_id, session_id, path, origin,
	referrer, referrer_name, referrer_type, duration, properties, created_at,
	country, city, region, longitude, latitude, os, os_version, browser,
	browser_version, device, brand, model`

const profileColumns = `id, first_name, last_name, email, avatar, properties, project_id, is_external, created_at`

type AnalyticsStore struct {
	DB *database.ClickHouseClient
}

type EventCountByTime struct {
	Time  time.Time `json:"time"`
	Name  *string   `json:"name,omitempty"`
	Count uint64    `json:"count"`
}

func NewAnalyticsStore(chClient *database.ClickHouseClient) *AnalyticsStore {
	return &AnalyticsStore{
		DB: chClient,
	}
}

func (s *AnalyticsStore) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.DB.Conn.PrepareBatch(ctx, "INSERT INTO events ("+eventColumns+")")
	if err != nil {
		return errors.Wrap(err, "failed to prepare events batch")
	}

	for i := range events {
		if err := batch.AppendStruct(&events[i]); err != nil {
			_ = batch.Abort()
			return errors.Wrapf(err, "failed to append event %s to batch", events[i].ID)
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "failed to send events batch")
	}

	log.Debugf("Inserted %d events", len(events))
	return nil
}

func (s *AnalyticsStore) InsertProfiles(ctx context.Context, profiles []models.Profile) error {
	if len(profiles) == 0 {
		return nil
	}

	batch, err := s.DB.Conn.PrepareBatch(ctx, "INSERT INTO profiles ("+profileColumns+")")
	if err != nil {
		return errors.Wrap(err, "failed to prepare profiles batch")
	}

	for i := range profiles {
		if err := batch.AppendStruct(&profiles[i]); err != nil {
			_ = batch.Abort()
			return errors.Wrapf(err, "failed to append profile %s to batch", profiles[i].ID)
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "failed to send profiles batch")
	}

	log.Debugf("Inserted %d profiles", len(profiles))
	return nil
}

// ProfilesByKeys returns the newest stored row of each of the given profiles.
func (s *AnalyticsStore) ProfilesByKeys(ctx context.Context, keys []models.ProfileKey) ([]models.Profile, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query, args := profilesByKeysQuery(keys)
	var profiles []models.Profile
	if err := s.DB.Conn.Select(ctx, &profiles, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to query profiles")
	}
	return profiles, nil
}

// profilesByKeysQuery selects one row per (id, project_id). The profiles
// table keeps every version, so a plain LIMIT could be used up by the history
// of a single profile.
func profilesByKeysQuery(keys []models.ProfileKey) (string, []interface{}) {
	tuples := make([]string, len(keys))
	args := make([]interface{}, 0, 2*len(keys))
	for i, key := range keys {
		tuples[i] = "(?, ?)"
		args = append(args, key.ID, key.ProjectID)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM profiles
		WHERE (id, project_id) IN (%s)
		ORDER BY created_at DESC
		LIMIT 1 BY id, project_id
	`, profileColumns, strings.Join(tuples, ", "))
	return query, args
}

// LatestScreenView returns the most recent screen_view of a profile, or nil.
func (s *AnalyticsStore) LatestScreenView(ctx context.Context, profileID, projectID string) (*models.Event, error) {
	return s.latestEvent(ctx, "profile_id", models.EventScreenView, profileID, projectID)
}

// LatestSessionStart returns the most recent session_start of a device, or nil.
func (s *AnalyticsStore) LatestSessionStart(ctx context.Context, deviceID, projectID string) (*models.Event, error) {
	return s.latestEvent(ctx, "device_id", models.EventSessionStart, deviceID, projectID)
}

func (s *AnalyticsStore) latestEvent(ctx context.Context, column, name, value, projectID string) (*models.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM events
		WHERE name = ? AND %s = ? AND project_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, eventColumns, column)

	var events []models.Event
	if err := s.DB.Conn.Select(ctx, &events, query, name, value, projectID); err != nil {
		return nil, errors.Wrapf(err, "failed to query latest %s", name)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (s *AnalyticsStore) GetEventCountsOverTime(ctx context.Context, projectID, interval string, start, end time.Time, nameFilter string) ([]EventCountByTime, error) {
	bucket, ok := utils.BucketFunction(interval)
	if !ok {
		return nil, errors.Errorf("invalid interval: %s", interval)
	}

	args := []interface{}{projectID, start, end}
	selectCols := fmt.Sprintf("%s(created_at) AS time_bucket, count() AS total_events", bucket)
	groupByCols := "time_bucket"
	whereClause := "WHERE project_id = ? AND created_at >= ? AND created_at <= ?"
	orderByCols := "time_bucket ASC"
	isFilteringByName := nameFilter != ""

	if isFilteringByName {
		selectCols += ", name"
		groupByCols += ", name"
		whereClause += " AND name = ?"
		args = append(args, nameFilter)
		orderByCols += ", name ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM events
		%s
		GROUP BY %s
		ORDER BY %s
	`, selectCols, whereClause, groupByCols, orderByCols)

	rows, err := s.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query event counts over time")
	}
	defer rows.Close()

	var results []EventCountByTime
	for rows.Next() {
		var (
			timeBucket time.Time
			count      uint64
			name       string
			result     EventCountByTime
		)

		if isFilteringByName {
			if err := rows.Scan(&timeBucket, &count, &name); err != nil {
				return nil, errors.Wrap(err, "failed to scan event counts row")
			}
			result.Name = &name
		} else {
			if err := rows.Scan(&timeBucket, &count); err != nil {
				return nil, errors.Wrap(err, "failed to scan event counts row")
			}
		}

		result.Time = timeBucket
		result.Count = count
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "row error during event counts over time query")
	}

	return results, nil
}

// GetAverageScreenViewDuration averages the stitched screen_view durations
// per path. Views still waiting for a successor have no duration and are
// never in the table.
func (s *AnalyticsStore) GetAverageScreenViewDuration(ctx context.Context, projectID string, start, end time.Time, limit uint64) ([]models.PathDurationResult, error) {
	if limit == 0 {
		limit = 10
	}

	query := `
		SELECT path, avg(duration) AS avg_duration
		FROM events
		WHERE project_id = ? AND name = 'screen_view' AND duration > 0
			AND created_at >= ? AND created_at <= ?
		GROUP BY path
		ORDER BY avg_duration DESC
		LIMIT ?
	`
	rows, err := s.DB.Conn.Query(ctx, query, projectID, start, end, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query average screen view duration")
	}
	defer rows.Close()

	var results []models.PathDurationResult
	for rows.Next() {
		var path string
		var avg float64
		if err := rows.Scan(&path, &avg); err != nil {
			return nil, errors.Wrap(err, "failed to scan screen view duration row")
		}
		// avg over no rows is NaN which does not encode to JSON
		if math.IsNaN(avg) {
			avg = 0
		}
		results = append(results, models.PathDurationResult{
			Path:            path,
			AverageDuration: avg,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rows for screen view duration")
	}

	return results, nil
}

func (s *AnalyticsStore) GetTopNPaths(ctx context.Context, projectID string, start, end time.Time, limit uint64) ([]models.TopPathResult, error) {
	if limit == 0 {
		limit = 10
	}

	query := `
		SELECT path, count() AS view_count
		FROM events
		WHERE project_id = ? AND name = 'screen_view' AND created_at >= ? AND created_at <= ?
		GROUP BY path
		ORDER BY view_count DESC
		LIMIT ?
	`
	rows, err := s.DB.Conn.Query(ctx, query, projectID, start, end, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query top paths")
	}
	defer rows.Close()

	var results []models.TopPathResult
	for rows.Next() {
		var path string
		var count uint64
		if err := rows.Scan(&path, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan top paths row")
		}
		results = append(results, models.TopPathResult{
			Path:  path,
			Count: count,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rows for top paths")
	}

	return results, nil
}
