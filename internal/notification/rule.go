// Package notification turns catalog activity into user notifications.
//
// Each notification type is a Rule: a parameterized query that detects
// candidates inside a time window, a mapper from candidate to stored
// details, and a formatter from details to a display message. The Engine
// filters candidates against opt-outs and prior notifications and inserts
// the survivors; the Runner drives the Engine from a per-type watermark.
package notification

import (
	"database/sql"
	"time"
)

// Kind tags how a rule picks its milestone value.
type Kind int

const (
	// KindMilestone rules emit the highest threshold a running total reached.
	KindMilestone Kind = iota
	// KindEvent rules emit once per entity with milestone 0.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindMilestone:
		return "milestone"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Window is the half-open scan interval [Since, Until).
type Window struct {
	Since time.Time
	Until time.Time
}

// Candidate is one detected row. Every rule query selects these columns.
type Candidate struct {
	RecipientID string         `db:"recipient_id"`
	EntityID    string         `db:"entity_id"`
	Milestone   int64          `db:"milestone"`
	ModelID     string         `db:"model_id"`
	ModelName   sql.NullString `db:"model_name"`
	VersionName sql.NullString `db:"version_name"`
	Username    sql.NullString `db:"username"`
	ModelType   sql.NullString `db:"model_type"`
}

// Message is the rendered form of a notification.
type Message struct {
	Message string `json:"message"`
	URL     string `json:"url"`
}

// Rule defines one notification type. Rules are values and never change
// after registration.
type Rule struct {
	Type        string
	DisplayName string
	Kind        Kind
	Thresholds  []int64

	query   func(w Window, thresholds []int64) (string, []any)
	details func(c Candidate) map[string]any
	message func(d map[string]any) Message
}

// Query returns the detection query for w with "?" placeholders.
func (r Rule) Query(w Window) (string, []any) {
	return r.query(w, r.Thresholds)
}

func (r Rule) Details(c Candidate) map[string]any {
	if r.details == nil {
		return map[string]any{}
	}
	return r.details(c)
}

// Message renders stored details. Missing or mistyped fields render empty.
func (r Rule) Message(d map[string]any) Message {
	if r.message == nil {
		return Message{}
	}
	if d == nil {
		d = map[string]any{}
	}
	return r.message(d)
}
