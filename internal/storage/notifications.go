package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// NewNotification is a row queued for insertion.
type NewNotification struct {
	UserID    string
	Type      string
	EntityID  string
	Milestone int64
	Details   []byte
}

// ListOptions pages newest first. Before and BeforeID are the created_at
// and id of the last row of the previous page; rows of one scan share a
// created_at, so BeforeID breaks the tie.
type ListOptions struct {
	Limit    int
	Before   time.Time // zero means newest
	BeforeID string
}

// InsertNotifications writes rows in chunks of batch inside one
// transaction. Rows colliding with an existing (type, user, entity,
// milestone) are skipped. It returns the number of rows written.
func (s *Store) InsertNotifications(ctx context.Context, rows []NewNotification, batch int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := unixMS(time.Now())
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{newID(), r.UserID, r.Type, r.EntityID, r.Milestone, string(r.Details), now}
	}
	var n int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, err = insertRows(ctx, tx,
			`INSERT INTO notification(id, user_id, type, entity_id, milestone, details, created_at) VALUES `,
			` ON CONFLICT(type, user_id, entity_id, milestone) DO NOTHING`,
			values, batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inserting notifications: %w", err)
	}
	return n, nil
}

// ListNotifications returns userID's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, opt ListOptions) ([]Notification, error) {
	limit := opt.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, beforeID := int64(1<<63-1), ""
	if !opt.Before.IsZero() {
		before, beforeID = unixMS(opt.Before), opt.BeforeID
	}
	var out []Notification
	err := s.Select(ctx, &out, `
		SELECT id, user_id, type, entity_id, milestone, details, created_at, viewed_at
		FROM notification
		WHERE user_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, before, before, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing notifications for %s: %w", userID, err)
	}
	return out, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM notification WHERE user_id = ? AND viewed_at IS NULL`, userID)
	return n, err
}
