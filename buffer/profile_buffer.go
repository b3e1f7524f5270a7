package buffer

import (
	"context"
	"sort"
	"time"

	"tracklane/api/models"
	"tracklane/api/utils"
)

const ProfilesTable = "profiles"

// ProfileStore reads and writes profile rows in the analytical store.
type ProfileStore interface {
	// ProfilesByKeys returns the newest persisted row of each key.
	ProfilesByKeys(ctx context.Context, keys []models.ProfileKey) ([]models.Profile, error)
	InsertProfiles(ctx context.Context, profiles []models.Profile) error
}

type ProfileBuffer struct {
	*Buffer[models.Profile]
}

type profileProcessor struct {
	store     ProfileStore
	batchSize int
	now       func() time.Time
}

func NewProfileBuffer(store Store, profiles ProfileStore, batchSize int) *ProfileBuffer {
	p := &profileProcessor{
		store:     profiles,
		batchSize: batchSize,
		now:       time.Now,
	}
	return &ProfileBuffer{Buffer: NewBuffer[models.Profile](ProfilesTable, store, p, nil)}
}

func (p *profileProcessor) BatchSize(context.Context) int {
	return p.batchSize
}

// ProcessQueue collapses the snapshot to one profile per (project, id),
// merges each with its latest persisted row and writes the result. Every
// snapshot item is reported as written, including the collapsed ones.
func (p *profileProcessor) ProcessQueue(ctx context.Context, queue []QueueItem[models.Profile]) ([]QueueItem[models.Profile], error) {
	sorted := make([]QueueItem[models.Profile], len(queue))
	copy(sorted, queue)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	latest := make(map[models.ProfileKey]models.Profile)
	var keys []models.ProfileKey
	for _, item := range sorted {
		key := item.Event.Key()
		current, ok := latest[key]
		if !ok {
			keys = append(keys, key)
			latest[key] = item.Event
			continue
		}
		// later inserts win field by field
		latest[key] = mergeProfiles(current, item.Event)
	}

	persisted, err := p.store.ProfilesByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	existing := make(map[models.ProfileKey]models.Profile, len(persisted))
	for _, profile := range persisted {
		// rows come newest first, keep the first one seen
		if _, ok := existing[profile.Key()]; !ok {
			existing[profile.Key()] = profile
		}
	}

	now := p.now().UTC()
	rows := make([]models.Profile, 0, len(keys))
	for _, key := range keys {
		row := latest[key]
		if previous, ok := existing[key]; ok {
			row = mergeProfiles(previous, row)
		}
		row.CreatedAt = now
		latest[key] = row
		rows = append(rows, row)
	}

	if err := p.store.InsertProfiles(ctx, rows); err != nil {
		return nil, err
	}

	written := make([]QueueItem[models.Profile], len(queue))
	for i, item := range queue {
		written[i] = QueueItem[models.Profile]{Event: latest[item.Event.Key()], Index: item.Index}
	}
	return written, nil
}

// mergeProfiles lays the non-empty fields of incoming over base and merges
// their properties.
func mergeProfiles(base, incoming models.Profile) models.Profile {
	return models.Profile{
		ID:         utils.FirstNonEmpty(incoming.ID, base.ID),
		ProjectID:  utils.FirstNonEmpty(incoming.ProjectID, base.ProjectID),
		FirstName:  utils.FirstNonEmpty(incoming.FirstName, base.FirstName),
		LastName:   utils.FirstNonEmpty(incoming.LastName, base.LastName),
		Email:      utils.FirstNonEmpty(incoming.Email, base.Email),
		Avatar:     utils.FirstNonEmpty(incoming.Avatar, base.Avatar),
		Properties: utils.MergeProperties(base.Properties, incoming.Properties),
		IsExternal: incoming.IsExternal,
		CreatedAt:  incoming.CreatedAt,
	}
}
