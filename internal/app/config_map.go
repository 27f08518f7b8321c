package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"modelhub/internal/alert"
	"modelhub/internal/config"
	"modelhub/internal/httpapi"
	"modelhub/internal/importer"
	"modelhub/internal/importer/huggingface"
	"modelhub/internal/notification"
	"modelhub/internal/storage"
	"modelhub/internal/task/engine"
	"modelhub/internal/task/scheduler"
	"modelhub/internal/transport/telegram"
	"modelhub/pkg/logx"
)

const (
	defaultScanSchedule  = "@every 1m"
	defaultSweepSchedule = "@every 30s"
	defaultHTTPAddr      = "127.0.0.1:8080"
	leasePrefix          = "modelhub:lease:"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return storage.Config{Driver: "sqlite", Path: sc.Path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig fills omitted task_engine values. An omitted enabled
// flag follows scheduler.enabled.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled || cfg.Imports.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// scanSettings is the mapped notifications section.
type scanSettings struct {
	enabled  bool
	schedule string
	timeout  time.Duration
	leaseTTL time.Duration
	batch    int
	disabled []string
}

func mapScanSettings(cfg *config.Config, reg *notification.Registry) (scanSettings, error) {
	n := cfg.Notifications
	out := scanSettings{
		enabled:  n.Enabled,
		schedule: strings.TrimSpace(n.Schedule),
		batch:    n.InsertBatchSize,
		disabled: n.DisabledTypes,
	}
	if out.schedule == "" {
		out.schedule = defaultScanSchedule
	}
	if _, err := scheduler.ParseSchedule(out.schedule); err != nil {
		return scanSettings{}, fmt.Errorf("notifications.schedule: %w", err)
	}
	var err error
	if out.timeout, err = config.ParseDurationOrDefault("notifications.scan_timeout", n.ScanTimeout, 30*time.Second); err != nil {
		return scanSettings{}, err
	}
	if out.leaseTTL, err = config.ParseDurationOrDefault("notifications.lease_ttl", n.LeaseTTL, 2*out.timeout); err != nil {
		return scanSettings{}, err
	}
	for _, typ := range out.disabled {
		if _, err := reg.Get(typ); err != nil {
			return scanSettings{}, fmt.Errorf("notifications.disabled_types: %w", err)
		}
	}
	return out, nil
}

// importSettings is the mapped imports section.
type importSettings struct {
	enabled       bool
	sweepSchedule string
	pipeline      importer.Options
	hf            huggingface.Config
}

func mapImportSettings(cfg *config.Config) (importSettings, error) {
	im := cfg.Imports
	out := importSettings{
		enabled:       im.Enabled,
		sweepSchedule: strings.TrimSpace(im.SweepSchedule),
		pipeline: importer.Options{
			InsertBatchSize:  im.InsertBatchSize,
			ProcessBatchSize: im.ProcessBatchSize,
			SweepLimit:       im.SweepLimit,
		},
		hf: huggingface.Config{
			BaseURL:          im.HuggingFace.BaseURL,
			Token:            im.HuggingFace.Token,
			RatePerSec:       im.HuggingFace.RatePerSec,
			AuthorModelLimit: im.HuggingFace.AuthorModelLimit,
		},
	}
	if out.sweepSchedule == "" {
		out.sweepSchedule = defaultSweepSchedule
	}
	if _, err := scheduler.ParseSchedule(out.sweepSchedule); err != nil {
		return importSettings{}, fmt.Errorf("imports.sweep_schedule: %w", err)
	}
	var err error
	if out.pipeline.RunTimeout, err = config.ParseDurationOrDefault("imports.run_timeout", im.RunTimeout, 5*time.Minute); err != nil {
		return importSettings{}, err
	}
	if out.hf.Timeout, err = config.ParseDurationOrDefault("imports.huggingface.timeout", im.HuggingFace.Timeout, 30*time.Second); err != nil {
		return importSettings{}, err
	}
	return out, nil
}

// mapAlertConfig applies defaults; an omitted alerts section means enabled
// and log-only.
func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	out := alert.Config{
		Enabled:         true,
		Workers:         1,
		QueueSize:       64,
		RatePerSec:      1,
		RetryMax:        3,
		DedupMaxEntries: 512,
	}
	a := cfg.Alerts
	if a == nil {
		out.RetryBase = time.Second
		out.RetryMaxDelay = 30 * time.Second
		out.DedupWindow = 10 * time.Minute
		return out, nil
	}
	out.Enabled = a.Enabled
	if a.Workers > 0 {
		out.Workers = a.Workers
	}
	if a.QueueSize > 0 {
		out.QueueSize = a.QueueSize
	}
	if a.RatePerSec > 0 {
		out.RatePerSec = float64(a.RatePerSec)
	}
	if a.RetryMax > 0 {
		out.RetryMax = a.RetryMax
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("alerts.retry_base", a.RetryBase, time.Second); err != nil {
		return alert.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("alerts.retry_max_delay", a.RetryMaxDelay, 30*time.Second); err != nil {
		return alert.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("alerts.dedup_window", a.DedupWindow, 10*time.Minute); err != nil {
		return alert.Config{}, err
	}
	return out, nil
}

// mapAlertSender picks Telegram when a bot token is configured and falls
// back to the log otherwise.
func mapAlertSender(cfg *config.Config, log logx.Logger) (alert.Sender, error) {
	if cfg.Alerts == nil || strings.TrimSpace(cfg.Alerts.Telegram.Token) == "" {
		return alert.LogSender{Log: log}, nil
	}
	tg := cfg.Alerts.Telegram
	return telegram.New(telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{Addr: strings.TrimSpace(h.Addr), Pprof: h.Pprof}
	if out.Addr == "" {
		out.Addr = defaultHTTPAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 2*time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// validateRuntime rejects reloads the running services could not apply.
func validateRuntime(cfg *config.Config, reg *notification.Registry) error {
	var errs []error
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, err := mapScanSettings(cfg, reg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapImportSettings(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapAlertConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
