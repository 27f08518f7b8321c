package storage

import (
	"context"
	"fmt"
	"time"
)

// OptOut silences notification type typ (or OptOutAll) for userID.
func (s *Store) OptOut(ctx context.Context, userID, typ string) error {
	_, err := s.exec(ctx, `
		INSERT INTO user_notification_setting(user_id, type, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, type) DO NOTHING`,
		userID, typ, unixMS(time.Now()))
	if err != nil {
		return fmt.Errorf("opting %s out of %s: %w", userID, typ, err)
	}
	return nil
}

func (s *Store) OptIn(ctx context.Context, userID, typ string) error {
	if _, err := s.exec(ctx, `DELETE FROM user_notification_setting WHERE user_id = ? AND type = ?`, userID, typ); err != nil {
		return fmt.Errorf("opting %s into %s: %w", userID, typ, err)
	}
	return nil
}

// OptOuts lists the types userID has silenced.
func (s *Store) OptOuts(ctx context.Context, userID string) ([]string, error) {
	var out []string
	err := s.Select(ctx, &out, `SELECT type FROM user_notification_setting WHERE user_id = ? ORDER BY type`, userID)
	return out, err
}
