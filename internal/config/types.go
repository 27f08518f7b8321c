package config

// Config is the root of modelhubd's config file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "5m"). Omitted
// sections fall back to runtime defaults applied where the section is
// mapped onto its component.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	TaskEngine    *TaskEngineConfig   `json:"task_engine,omitempty"`
	Notifications NotificationsConfig `json:"notifications"`
	Imports       ImportsConfig       `json:"imports"`
	Alerts        *AlertsConfig       `json:"alerts,omitempty"`
	HTTP          HTTPConfig          `json:"http"`
	Redis         RedisConfig         `json:"redis,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the relational backend.
//
//	"storage": { "driver": "sqlite", "path": "./modelhub.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs scans and imports.
// Enabled is a pointer so an omitted value follows scheduler.enabled.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotificationsConfig drives the watermark scans.
type NotificationsConfig struct {
	Enabled         bool     `json:"enabled"`
	Schedule        string   `json:"schedule,omitempty"`     // default "@every 1m"
	ScanTimeout     string   `json:"scan_timeout,omitempty"` // default "30s"
	InsertBatchSize int      `json:"insert_batch_size,omitempty"`
	DisabledTypes   []string `json:"disabled_types,omitempty"`
	LeaseTTL        string   `json:"lease_ttl,omitempty"` // used when redis is enabled
}

type ImportsConfig struct {
	Enabled          bool              `json:"enabled"`
	SweepSchedule    string            `json:"sweep_schedule,omitempty"` // default "@every 30s"
	SweepLimit       int               `json:"sweep_limit,omitempty"`
	RunTimeout       string            `json:"run_timeout,omitempty"` // default "5m"
	InsertBatchSize  int               `json:"insert_batch_size,omitempty"`
	ProcessBatchSize int               `json:"process_batch_size,omitempty"`
	HuggingFace      HuggingFaceConfig `json:"huggingface"`
}

type HuggingFaceConfig struct {
	BaseURL          string  `json:"base_url,omitempty"`
	Token            string  `json:"token,omitempty"` // never logged
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
	Timeout          string  `json:"timeout,omitempty"`
	AuthorModelLimit int     `json:"author_model_limit,omitempty"`
}

// AlertsConfig controls the async ops-alert pipeline. When the section is
// omitted alerts are enabled and only logged.
type AlertsConfig struct {
	Enabled       bool           `json:"enabled"`
	Workers       int            `json:"workers,omitempty"`
	QueueSize     int            `json:"queue_size,omitempty"`
	RatePerSec    int            `json:"rate_per_sec,omitempty"`
	RetryMax      int            `json:"retry_max,omitempty"`
	RetryBase     string         `json:"retry_base,omitempty"`
	RetryMaxDelay string         `json:"retry_max_delay,omitempty"`
	DedupWindow   string         `json:"dedup_window,omitempty"`
	Telegram      AlertsTelegram `json:"telegram"`
}

type AlertsTelegram struct {
	Token    string `json:"token,omitempty"` // never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
}
