package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"modelhub/pkg/logx"
)

type migration struct {
	version int
	sql     []string
}

// Statements use only syntax shared by SQLite and PostgreSQL.
var migrations = []migration{
	{
		version: 1,
		sql: []string{
			`CREATE TABLE IF NOT EXISTS app_user (
				id         TEXT PRIMARY KEY,
				username   TEXT NOT NULL UNIQUE,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS model (
				id           TEXT PRIMARY KEY,
				user_id      TEXT NOT NULL,
				name         TEXT NOT NULL,
				type         TEXT NOT NULL DEFAULT '',
				published_at BIGINT,
				created_at   BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_model_published ON model(published_at)`,
			`CREATE TABLE IF NOT EXISTS model_version (
				id         TEXT PRIMARY KEY,
				model_id   TEXT NOT NULL,
				name       TEXT NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_model_version_created ON model_version(created_at)`,
			`CREATE TABLE IF NOT EXISTS user_activity (
				id               TEXT PRIMARY KEY,
				user_id          TEXT,
				activity         TEXT NOT NULL,
				model_id         TEXT NOT NULL,
				model_version_id TEXT,
				created_at       BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_activity_window ON user_activity(activity, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_user_activity_model ON user_activity(model_id, activity)`,
			`CREATE TABLE IF NOT EXISTS favorite_model (
				user_id    TEXT NOT NULL,
				model_id   TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (user_id, model_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_favorite_model_created ON favorite_model(created_at)`,
			`CREATE TABLE IF NOT EXISTS user_engagement (
				user_id        TEXT NOT NULL,
				target_user_id TEXT NOT NULL,
				type           TEXT NOT NULL,
				created_at     BIGINT NOT NULL,
				PRIMARY KEY (user_id, target_user_id)
			)`,
			`CREATE TABLE IF NOT EXISTS notification (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				type       TEXT NOT NULL,
				entity_id  TEXT NOT NULL,
				milestone  BIGINT NOT NULL DEFAULT 0,
				details    TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				viewed_at  BIGINT,
				UNIQUE (type, user_id, entity_id, milestone)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notification_user ON notification(user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS user_notification_setting (
				user_id    TEXT NOT NULL,
				type       TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (user_id, type)
			)`,
			`CREATE TABLE IF NOT EXISTS notification_watermark (
				type       TEXT PRIMARY KEY,
				last_sent  BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS import_job (
				id         TEXT PRIMARY KEY,
				source     TEXT NOT NULL,
				user_id    TEXT NOT NULL,
				parent_id  TEXT,
				status     TEXT NOT NULL,
				data       TEXT,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_import_job_parent ON import_job(parent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_import_job_status ON import_job(status, created_at)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			for _, stmt := range m.sql {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_version(version) VALUES (?)`), m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		s.log.Info("migration applied", logx.Int("version", m.version))
	}
	return nil
}
