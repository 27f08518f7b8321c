// Package scheduler turns cron and interval specs into task-engine tasks.
// It only triggers work; execution, retries and timeouts belong to the engine.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"modelhub/internal/task/engine"
	"modelhub/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Berlin"; empty means Local
}

type Job = func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron expression or "@every <dur>"
	timeout time.Duration
	opt     engine.TaskOptions
	job     Job
	entryID cron.EntryID
	spread  time.Duration
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	engine Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   []*scheduleDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}
