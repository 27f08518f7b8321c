package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modelhub/internal/storage"
	"modelhub/pkg/logx"
)

// Store is the persistence the engine and runner need. *storage.Store
// implements it.
type Store interface {
	Select(ctx context.Context, dest any, query string, args ...any) error
	InsertNotifications(ctx context.Context, rows []storage.NewNotification, batch int) (int64, error)
	Watermark(ctx context.Context, typ string) (time.Time, error)
	AdvanceWatermark(ctx context.Context, typ string, at time.Time) error
}

// Engine detects candidates for a rule and inserts the ones that survive
// opt-out and dedup filtering.
type Engine struct {
	store     Store
	batchSize int
	log       logx.Logger
}

func NewEngine(store Store, batchSize int, log logx.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = 900
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, batchSize: batchSize, log: log}
}

// Detect runs the rule query for w and drops candidates whose recipient
// opted out of the type (or of everything) or already holds a
// notification for the same entity at or above the candidate's milestone.
func (e *Engine) Detect(ctx context.Context, rule Rule, w Window) ([]Candidate, error) {
	inner, args := rule.Query(w)
	q := `SELECT c.recipient_id, c.entity_id, c.milestone, c.model_id,
		c.model_name, c.version_name, c.username, c.model_type
	FROM (` + inner + `) c
	WHERE NOT EXISTS (
		SELECT 1 FROM user_notification_setting s
		WHERE s.user_id = c.recipient_id AND (s.type = ? OR s.type = ?))
	AND NOT EXISTS (
		SELECT 1 FROM notification n
		WHERE n.type = ? AND n.user_id = c.recipient_id
		  AND n.entity_id = c.entity_id AND n.milestone >= c.milestone)`
	args = append(args, rule.Type, storage.OptOutAll, rule.Type)

	var out []Candidate
	if err := e.store.Select(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("detecting %s: %w", rule.Type, err)
	}
	return out, nil
}

// Insert writes one notification per candidate. Rows that collide with an
// existing notification are skipped; the count of new rows is returned.
func (e *Engine) Insert(ctx context.Context, rule Rule, cs []Candidate) (int64, error) {
	if len(cs) == 0 {
		return 0, nil
	}
	rows := make([]storage.NewNotification, 0, len(cs))
	for _, c := range cs {
		details, err := json.Marshal(rule.Details(c))
		if err != nil {
			return 0, fmt.Errorf("encoding %s details: %w", rule.Type, err)
		}
		rows = append(rows, storage.NewNotification{
			UserID:    c.RecipientID,
			Type:      rule.Type,
			EntityID:  c.EntityID,
			Milestone: c.Milestone,
			Details:   details,
		})
	}
	return e.store.InsertNotifications(ctx, rows, e.batchSize)
}

// Process is Detect followed by Insert.
func (e *Engine) Process(ctx context.Context, rule Rule, w Window) (detected int, inserted int64, err error) {
	cs, err := e.Detect(ctx, rule, w)
	if err != nil {
		return 0, 0, err
	}
	inserted, err = e.Insert(ctx, rule, cs)
	if err != nil {
		return len(cs), 0, err
	}
	e.log.Debug("rule processed",
		logx.String("type", rule.Type),
		logx.Int("detected", len(cs)),
		logx.Int64("inserted", inserted))
	return len(cs), inserted, nil
}
