package models

import "time"

// Profile is an identified user of a project. Rows are append-only; the
// newest row per (project_id, id) is the current version.
type Profile struct {
	ID         string            `json:"id" ch:"id"`
	FirstName  string            `json:"first_name" ch:"first_name"`
	LastName   string            `json:"last_name" ch:"last_name"`
	Email      string            `json:"email" ch:"email"`
	Avatar     string            `json:"avatar" ch:"avatar"`
	Properties map[string]string `json:"properties" ch:"properties"`
	ProjectID  string            `json:"project_id" ch:"project_id"`
	IsExternal bool              `json:"is_external" ch:"is_external"`
	CreatedAt  time.Time         `json:"created_at" ch:"created_at"`
}

// Key identifies a profile inside a project.
func (p Profile) Key() ProfileKey {
	return ProfileKey{ProjectID: p.ProjectID, ID: p.ID}
}

type ProfileKey struct {
	ProjectID string
	ID        string
}
