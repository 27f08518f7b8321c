package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks values that would otherwise fail deep inside a component.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	nonNeg("storage.max_open_conns", cfg.Storage.MaxOpenConns)

	if te := cfg.TaskEngine; te != nil {
		nonNeg("task_engine.workers", te.Workers)
		nonNeg("task_engine.queue_size", te.QueueSize)
		nonNeg("task_engine.history_size", te.HistorySize)
		nonNeg("task_engine.retry_max", te.RetryMax)
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	n := cfg.Notifications
	dur("notifications.scan_timeout", n.ScanTimeout)
	dur("notifications.lease_ttl", n.LeaseTTL)
	nonNeg("notifications.insert_batch_size", n.InsertBatchSize)

	im := cfg.Imports
	dur("imports.run_timeout", im.RunTimeout)
	dur("imports.huggingface.timeout", im.HuggingFace.Timeout)
	nonNeg("imports.sweep_limit", im.SweepLimit)
	nonNeg("imports.insert_batch_size", im.InsertBatchSize)
	nonNeg("imports.process_batch_size", im.ProcessBatchSize)
	nonNeg("imports.huggingface.author_model_limit", im.HuggingFace.AuthorModelLimit)
	if im.HuggingFace.RatePerSec < 0 {
		errs = append(errs, errors.New("imports.huggingface.rate_per_sec: must be >= 0"))
	}

	if a := cfg.Alerts; a != nil {
		nonNeg("alerts.workers", a.Workers)
		nonNeg("alerts.queue_size", a.QueueSize)
		nonNeg("alerts.rate_per_sec", a.RatePerSec)
		nonNeg("alerts.retry_max", a.RetryMax)
		dur("alerts.retry_base", a.RetryBase)
		dur("alerts.retry_max_delay", a.RetryMaxDelay)
		dur("alerts.dedup_window", a.DedupWindow)
		if strings.TrimSpace(a.Telegram.Token) != "" && a.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("alerts.telegram.chat_id: required when token is set"))
		}
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr: required when redis is enabled"))
	}
	return errors.Join(errs...)
}
