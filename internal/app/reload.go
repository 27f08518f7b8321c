package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"modelhub/internal/config"
	"modelhub/internal/eventbus"
	"modelhub/pkg/logx"
)

// restartOnly lists sections whose changes need a process restart.
var restartOnly = []string{"storage", "http", "redis"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts to the newest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ecfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		// The engine must run before the scheduler triggers into it.
		a.engine.Apply(ctx, ecfg)
	}

	wasScheduling := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	switch {
	case wasScheduling && !next.Scheduler.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.log.Info("scheduler disabled via config")
	case !wasScheduling && next.Scheduler.Enabled:
		a.sched.Start(ctx)
		a.log.Info("scheduler enabled via config")
	}

	if slices.Contains(sections, "notifications") || slices.Contains(sections, "imports") {
		scan, err := mapScanSettings(next, a.registry)
		if err == nil {
			a.runner.SetDisabled(scan.disabled)
			var imp importSettings
			if imp, err = mapImportSettings(next); err == nil {
				err = a.registerSchedules(scan, imp)
			}
		}
		if err != nil {
			a.log.Warn("schedules not updated", logx.Err(err))
		}
		if slices.Contains(sections, "imports") {
			a.log.Info("import pipeline limits and hugging face client settings apply after restart")
		}
	}

	if slices.Contains(sections, "alerts") {
		a.applyAlerts(ctx, next)
	}

	eventbus.Publish(a.bus, eventbus.TopicConfigReloaded, sections)
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) applyAlerts(ctx context.Context, next *config.Config) {
	acfg, err := mapAlertConfig(next)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	sender, err := mapAlertSender(next, a.log.With(logx.String("comp", "alert")))
	if err != nil {
		a.log.Warn("alert sender not updated", logx.Err(err))
	} else {
		a.alerts.SetSender(sender)
	}

	wasEnabled := a.alerts.Enabled()
	a.alerts.Apply(acfg)
	switch {
	case wasEnabled && !acfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	case !wasEnabled && acfg.Enabled:
		a.alerts.Start(ctx)
	}
}
