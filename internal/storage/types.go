package storage

import (
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config selects and tunes the backend.
//
// Driver values:
//   - "sqlite": modernc.org/sqlite database file at Path (default)
//   - "postgres": lib/pq connection string in DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only
	MaxOpenConns int           // postgres only; sqlite always uses one connection
}

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Activity kinds recorded in user_activity.
const (
	ActivityModelDownload = "ModelDownload"
)

// Engagement kinds recorded in user_engagement.
const (
	EngagementFollow = "Follow"
	EngagementHide   = "Hide"
)

// OptOutAll is the notification setting type that silences every rule.
const OptOutAll = "*"

type User struct {
	ID        string `db:"id"`
	Username  string `db:"username"`
	CreatedAt int64  `db:"created_at"`
}

type Model struct {
	ID          string        `db:"id"`
	UserID      string        `db:"user_id"`
	Name        string        `db:"name"`
	Type        string        `db:"type"`
	PublishedAt sql.NullInt64 `db:"published_at"`
	CreatedAt   int64         `db:"created_at"`
}

type ModelVersion struct {
	ID        string `db:"id"`
	ModelID   string `db:"model_id"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

// Notification is one persisted row; Details holds the JSON payload.
type Notification struct {
	ID        string        `db:"id"`
	UserID    string        `db:"user_id"`
	Type      string        `db:"type"`
	EntityID  string        `db:"entity_id"`
	Milestone int64         `db:"milestone"`
	Details   string        `db:"details"`
	CreatedAt int64         `db:"created_at"`
	ViewedAt  sql.NullInt64 `db:"viewed_at"`
}

type ImportStatus string

const (
	ImportPending    ImportStatus = "Pending"
	ImportProcessing ImportStatus = "Processing"
	ImportCompleted  ImportStatus = "Completed"
	ImportFailed     ImportStatus = "Failed"
)

type ImportJob struct {
	ID        string         `db:"id"`
	Source    string         `db:"source"`
	UserID    string         `db:"user_id"`
	ParentID  sql.NullString `db:"parent_id"`
	Status    ImportStatus   `db:"status"`
	Data      sql.NullString `db:"data"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

// ChildJob describes a dependency discovered by an importer run.
type ChildJob struct {
	Source string
	Data   []byte // optional JSON seed data
}

func unixMS(t time.Time) int64 { return t.UnixMilli() }

// Time converts a stored unix-millisecond column.
func Time(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
