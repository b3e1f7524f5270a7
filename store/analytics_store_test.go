package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"tracklane/api/models"
)

func TestProfilesByKeysQuery(t *testing.T) {
	keys := []models.ProfileKey{
		{ProjectID: "p1", ID: "a"},
		{ProjectID: "p1", ID: "b"},
		{ProjectID: "p2", ID: "a"},
	}

	query, args := profilesByKeysQuery(keys)

	assert.Contains(t, query, "WHERE (id, project_id) IN ((?, ?), (?, ?), (?, ?))")
	assert.Contains(t, query, "ORDER BY created_at DESC")
	assert.Contains(t, query, "LIMIT 1 BY id, project_id")
	// one row per profile, however many versions a single profile has
	for _, line := range strings.Split(query, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "LIMIT") {
			assert.Equal(t, "LIMIT 1 BY id, project_id", line)
		}
	}
	assert.Equal(t, []interface{}{"a", "p1", "b", "p1", "a", "p2"}, args)
	assert.Equal(t, strings.Count(query, "?"), len(args))
}
