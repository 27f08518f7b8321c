// Package alert delivers operational alerts (failed scans, fan-out errors)
// to operators through an async queue with rate limiting, retries and a
// dedup window.
package alert

import (
	"context"
	"time"

	"modelhub/pkg/logx"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Alert is one operator-facing message. Alerts sharing a Key inside the
// dedup window are delivered once.
type Alert struct {
	Key      string
	Severity Severity
	Title    string
	Text     string
}

// Sender delivers rendered alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// LogSender writes alerts to the log. Used when no chat transport is set up.
type LogSender struct{ Log logx.Logger }

func (l LogSender) Send(_ context.Context, text string) error {
	l.Log.Warn("alert", logx.String("text", text))
	return nil
}

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      float64
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Key  string    `json:"key"`
	Text string    `json:"text"`
}

// Event is the payload of alert.* bus events.
type Event struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
