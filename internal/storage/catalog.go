package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StableID derives a repeatable id for an externally sourced record, so
// re-importing the same record updates it in place.
func StableID(kind, key string) string {
	return strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceURL, []byte(kind+":"+key)).String(), "-", "")
}

// UpsertUser inserts or renames a user.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = unixMS(time.Now())
	}
	_, err := s.exec(ctx, `
		INSERT INTO app_user(id, username, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username`,
		u.ID, u.Username, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	return nil
}

// UpsertImportedUser stores an account mirrored from an external source.
// If another account already holds u.Username, the mirrored account is
// stored as u.Username+suffix instead. It returns the stored username.
func (s *Store) UpsertImportedUser(ctx context.Context, u User, suffix string) (string, error) {
	if u.CreatedAt == 0 {
		u.CreatedAt = unixMS(time.Now())
	}
	name := u.Username
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var owner string
		err := tx.GetContext(ctx, &owner, tx.Rebind(`SELECT id FROM app_user WHERE username = ?`), u.Username)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case owner != u.ID:
			name = u.Username + suffix
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO app_user(id, username, created_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET username = excluded.username`),
			u.ID, name, u.CreatedAt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upserting imported user %s: %w", u.ID, err)
	}
	return name, nil
}

// UpsertModel inserts or updates a model. A model keeps its first
// publish time once one is set.
func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = unixMS(time.Now())
	}
	_, err := s.exec(ctx, `
		INSERT INTO model(id, user_id, name, type, published_at, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			published_at = COALESCE(model.published_at, excluded.published_at)`,
		m.ID, m.UserID, m.Name, m.Type, m.PublishedAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting model %s: %w", m.ID, err)
	}
	return nil
}

// UpsertModelVersion inserts a version; an existing version only changes name.
func (s *Store) UpsertModelVersion(ctx context.Context, v ModelVersion) error {
	if v.CreatedAt == 0 {
		v.CreatedAt = unixMS(time.Now())
	}
	_, err := s.exec(ctx, `
		INSERT INTO model_version(id, model_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		v.ID, v.ModelID, v.Name, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting model version %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) Model(ctx context.Context, id string) (Model, error) {
	var m Model
	err := s.get(ctx, &m, `SELECT id, user_id, name, type, published_at, created_at FROM model WHERE id = ?`, id)
	return m, err
}

// RecordActivity appends one activity row. When modelID is empty the model
// is resolved from versionID.
func (s *Store) RecordActivity(ctx context.Context, userID, activity, modelID, versionID string, at time.Time) error {
	if modelID == "" {
		if versionID == "" {
			return fmt.Errorf("recording %s: model or version id required", activity)
		}
		if err := s.get(ctx, &modelID, `SELECT model_id FROM model_version WHERE id = ?`, versionID); err != nil {
			return fmt.Errorf("resolving model version %s: %w", versionID, err)
		}
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO user_activity(id, user_id, activity, model_id, model_version_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newID(), nullString(userID), activity, modelID, nullString(versionID), unixMS(at))
	if err != nil {
		return fmt.Errorf("recording %s for model %s: %w", activity, modelID, err)
	}
	return nil
}

// RecordDownload records an anonymous or attributed download of a version.
func (s *Store) RecordDownload(ctx context.Context, userID, versionID string) error {
	return s.RecordActivity(ctx, userID, ActivityModelDownload, "", versionID, time.Now())
}

// ToggleFavorite likes the model, or removes an existing like. It reports
// whether the model is liked afterwards.
func (s *Store) ToggleFavorite(ctx context.Context, userID, modelID string) (bool, error) {
	var liked bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM favorite_model WHERE user_id = ? AND model_id = ?`), userID, modelID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO favorite_model(user_id, model_id, created_at) VALUES (?, ?, ?)`),
			userID, modelID, unixMS(time.Now()))
		liked = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("toggling favorite %s/%s: %w", userID, modelID, err)
	}
	return liked, nil
}

// ToggleEngagement sets the engagement of userID toward target. Repeating
// the current type clears it. It reports whether an engagement remains.
func (s *Store) ToggleEngagement(ctx context.Context, userID, target, typ string) (bool, error) {
	var active bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, tx.Rebind(`SELECT type FROM user_engagement WHERE user_id = ? AND target_user_id = ?`), userID, target)
		switch {
		case err == nil && current == typ:
			_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_engagement WHERE user_id = ? AND target_user_id = ?`), userID, target)
			return err
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO user_engagement(user_id, target_user_id, type, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, target_user_id) DO UPDATE SET type = excluded.type, created_at = excluded.created_at`),
			userID, target, typ, unixMS(time.Now()))
		active = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("toggling %s %s->%s: %w", typ, userID, target, err)
	}
	return active, nil
}
