package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Watermark struct {
	Type      string `db:"type"`
	LastSent  int64  `db:"last_sent"`
	UpdatedAt int64  `db:"updated_at"`
}

// Watermark returns the instant up to which typ has been scanned. A type
// never scanned reports the unix epoch.
func (s *Store) Watermark(ctx context.Context, typ string) (time.Time, error) {
	var ms int64
	err := s.get(ctx, &ms, `SELECT last_sent FROM notification_watermark WHERE type = ?`, typ)
	if errors.Is(err, ErrNotFound) {
		return time.UnixMilli(0).UTC(), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark %s: %w", typ, err)
	}
	return Time(ms), nil
}

// AdvanceWatermark moves typ's watermark forward to at. It never moves
// backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, typ string, at time.Time) error {
	now := unixMS(time.Now())
	_, err := s.exec(ctx, `
		INSERT INTO notification_watermark(type, last_sent, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET last_sent = excluded.last_sent, updated_at = excluded.updated_at
		WHERE notification_watermark.last_sent < excluded.last_sent`,
		typ, unixMS(at), now)
	if err != nil {
		return fmt.Errorf("advancing watermark %s: %w", typ, err)
	}
	return nil
}

func (s *Store) Watermarks(ctx context.Context) ([]Watermark, error) {
	var out []Watermark
	err := s.Select(ctx, &out, `SELECT type, last_sent, updated_at FROM notification_watermark ORDER BY type`)
	return out, err
}
