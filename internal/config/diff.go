package config

import (
	"reflect"
	"slices"
	"strings"

	"modelhub/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe log
// fields describing the new values. Secrets (DSN, tokens, passwords) are
// reported only as "is set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
				logx.String("task_engine.default_timeout", te.DefaultTimeout),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.Bool("notifications.enabled", newCfg.Notifications.Enabled),
			logx.String("notifications.schedule", newCfg.Notifications.Schedule),
			logx.Strings("notifications.disabled_types", newCfg.Notifications.DisabledTypes),
		)
	}
	if !reflect.DeepEqual(oldCfg.Imports, newCfg.Imports) {
		changed = append(changed, "imports")
		attrs = append(attrs,
			logx.Bool("imports.enabled", newCfg.Imports.Enabled),
			logx.Int("imports.process_batch_size", newCfg.Imports.ProcessBatchSize),
			logx.Bool("imports.huggingface.token_set", strings.TrimSpace(newCfg.Imports.HuggingFace.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		if a := newCfg.Alerts; a != nil {
			attrs = append(attrs,
				logx.Bool("alerts.enabled", a.Enabled),
				logx.Bool("alerts.telegram_set", strings.TrimSpace(a.Telegram.Token) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.Bool("redis.enabled", newCfg.Redis.Enabled),
			logx.String("redis.addr", newCfg.Redis.Addr),
		)
	}
	slices.Sort(changed)
	return changed, attrs
}
