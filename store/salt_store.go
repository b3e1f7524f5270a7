package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrNoSalt = errors.New("no salt has been created yet")

// Salts are the two most recent device id salts.
type Salts struct {
	Current  string
	Previous string
}

// SaltStore keeps the rotating device id salts in postgres.
type SaltStore struct {
	db *sql.DB
}

func NewSaltStore(db *sql.DB) *SaltStore {
	return &SaltStore{db: db}
}

// GetSalts returns the current and previous salt. With a single salt both
// are the same.
func (s *SaltStore) GetSalts(ctx context.Context) (Salts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT salt
		FROM salts
		ORDER BY created_at DESC
		LIMIT 2;
	`)
	if err != nil {
		return Salts{}, errors.Wrap(err, "failed to query salts")
	}
	defer rows.Close()

	var salts []string
	for rows.Next() {
		var salt string
		if err := rows.Scan(&salt); err != nil {
			return Salts{}, errors.Wrap(err, "failed to scan salt")
		}
		salts = append(salts, salt)
	}
	if err := rows.Err(); err != nil {
		return Salts{}, errors.Wrap(err, "error iterating salts")
	}

	switch len(salts) {
	case 0:
		return Salts{}, ErrNoSalt
	case 1:
		return Salts{Current: salts[0], Previous: salts[0]}, nil
	default:
		return Salts{Current: salts[0], Previous: salts[1]}, nil
	}
}

// RotateSalt makes salt the current salt and forgets every salt older than
// the previous one.
func (s *SaltStore) RotateSalt(ctx context.Context, salt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin salt rotation")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO salts (salt) VALUES ($1);`, salt); err != nil {
		return errors.Wrap(err, "failed to insert salt")
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM salts
		WHERE salt NOT IN (
			SELECT salt FROM salts ORDER BY created_at DESC LIMIT 2
		);
	`)
	if err != nil {
		return errors.Wrap(err, "failed to delete old salts")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit salt rotation")
	}

	removed, _ := res.RowsAffected()
	log.WithField("removed", removed).Info("Rotated device id salt")
	return nil
}
