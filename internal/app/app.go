// Package app wires modelhubd: storage, notification scans, the import
// pipeline, ops alerts and the HTTP API, with live config reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"modelhub/internal/alert"
	"modelhub/internal/config"
	"modelhub/internal/eventbus"
	"modelhub/internal/httpapi"
	"modelhub/internal/importer"
	"modelhub/internal/importer/huggingface"
	"modelhub/internal/lease"
	"modelhub/internal/metrics"
	"modelhub/internal/notification"
	"modelhub/internal/runtime/supervisor"
	"modelhub/internal/storage"
	"modelhub/internal/task/engine"
	"modelhub/internal/task/scheduler"
	"modelhub/pkg/logx"
)

const (
	scanSchedulePrefix = "notify:"
	sweepScheduleName  = "imports:sweep"
	importTaskName     = "import"

	// Hub rate limits ask for waits of a minute or more.
	importRetryMaxDelay = 5 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	redis   *redis.Client
	metrics *metrics.Metrics
	alerts  *alert.Service

	registry *notification.Registry
	runner   *notification.Runner
	pipeline *importer.Pipeline

	engine *engine.Service
	sched  *scheduler.Service
	http   *httpapi.Server
}

// NewApp loads the config and builds every component without starting any
// background work.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm:     cfgm,
		log:      root.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		metrics:  metrics.New(),
		registry: notification.Default(),
	}
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	if err := a.build(ctx, cfg, comp); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, comp func(string) logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(ctx, sc, comp("storage")); err != nil {
		return err
	}

	var locker lease.Locker = lease.Noop{}
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lease.NewRedis(a.redis, leasePrefix)
		a.log.Info("scan leases use redis", logx.String("addr", cfg.Redis.Addr))
	}

	acfg, err := mapAlertConfig(cfg)
	if err != nil {
		return err
	}
	sender, err := mapAlertSender(cfg, comp("alert"))
	if err != nil {
		return fmt.Errorf("alerts.telegram: %w", err)
	}
	a.alerts = alert.New(acfg, sender, comp("alert"), a.bus)

	scan, err := mapScanSettings(cfg, a.registry)
	if err != nil {
		return err
	}
	a.runner = notification.NewRunner(a.registry,
		notification.NewEngine(a.store, scan.batch, comp("notification")),
		a.store, comp("notification"),
		notification.RunnerOptions{
			ScanTimeout: scan.timeout,
			LeaseTTL:    scan.leaseTTL,
			Locker:      locker,
			Metrics:     a.metrics,
			Bus:         a.bus,
			Alerts:      a.alerts,
			Disabled:    scan.disabled,
		})

	imp, err := mapImportSettings(cfg)
	if err != nil {
		return err
	}
	hf := huggingface.NewClient(imp.hf)
	dispatcher := importer.NewDispatcher(
		huggingface.NewModelImporter(hf, a.store, comp("import.hf")),
		huggingface.NewAuthorImporter(hf, a.store, imp.hf.AuthorModelLimit, comp("import.hf")),
	)
	popt := imp.pipeline
	popt.Metrics, popt.Bus, popt.Alerts = a.metrics, a.bus, a.alerts
	a.pipeline = importer.NewPipeline(a.store, dispatcher, comp("import"), popt)

	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, comp("taskengine"), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, comp("scheduler"))
	if err := a.registerSchedules(scan, imp); err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return err
		}
		a.http = httpapi.New(hcfg, httpapi.Deps{
			Store:    a.store,
			Registry: a.registry,
			Runner:   a.runner,
			Imports:  a,
			Metrics:  a.metrics,
			Log:      comp("http"),
		})
	}
	return nil
}

// registerSchedules replaces the scan and sweep schedules. Each enabled
// rule type gets its own schedule so one slow rule never delays another.
func (a *App) registerSchedules(scan scanSettings, imp importSettings) error {
	for _, info := range a.sched.Schedules() {
		if strings.HasPrefix(info.Name, scanSchedulePrefix) || info.Name == sweepScheduleName {
			a.sched.Remove(info.Name)
		}
	}
	if scan.enabled {
		for _, typ := range a.registry.Types() {
			if !a.runner.Enabled(typ) {
				continue
			}
			if err := a.sched.AddSchedule(scanSchedulePrefix+typ, scan.schedule, 2*scan.timeout, a.runner.Job(typ)); err != nil {
				return fmt.Errorf("scheduling %s: %w", typ, err)
			}
		}
	}
	if imp.enabled {
		if err := a.sched.AddSchedule(sweepScheduleName, imp.sweepSchedule, 0, a.pipeline.Sweep); err != nil {
			return fmt.Errorf("scheduling import sweep: %w", err)
		}
	}
	return nil
}

// EnqueueImport queues a stored import job on the task engine.
func (a *App) EnqueueImport(jobID string) error {
	return a.engine.Enqueue(engine.Task{
		Name: importTaskName,
		Key:  importTaskName + ":" + jobID,
		Run:  func(ctx context.Context) error { return a.runImport(ctx, jobID) },
		Opt:  engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMaxDelay: importRetryMaxDelay},
	})
}

// runImport processes one job. Only a rate-limited root is retried; the
// job is back in Pending by then.
func (a *App) runImport(ctx context.Context, jobID string) error {
	rep, err := a.pipeline.ProcessID(ctx, jobID)
	var d importer.Deferrable
	switch {
	case errors.As(err, &d):
		return engine.RetryAfter(err, d.RetryAfter())
	case err != nil:
		return engine.NoRetry(err)
	case rep.Skipped:
		a.log.Debug("import owned by another run", logx.String("job", jobID))
	case rep.FanoutErr != nil:
		a.log.Warn("import finished with fan-out errors",
			logx.String("job", jobID), logx.Int("failed", rep.Failed))
	}
	return nil
}

func (a *App) Registry() *notification.Registry { return a.registry }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg, a.registry)
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("metrics.events", func(c context.Context) {
		defer unsub()
		a.metrics.Consume(c, events)
	})

	if a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context())
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.http != nil {
		a.sup.Go("http.serve", func(context.Context) error { return a.http.Serve() })
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("http", a.http != nil),
		logx.Strings("importers", []string{"huggingface.model", "huggingface.author"}))
	return nil
}

// RunOnce scans every enabled rule once without starting background
// services. Used by the -once flag.
func (a *App) RunOnce(ctx context.Context) ([]notification.RunResult, error) {
	results, err := a.runner.RunAll(ctx)
	for _, r := range results {
		a.log.Info("scan result",
			logx.String("type", r.Type),
			logx.Int("detected", r.Detected),
			logx.Int64("inserted", r.Inserted),
			logx.Bool("skipped", r.Skipped))
	}
	return results, err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 5*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("closing resources", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
