package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"modelhub/internal/alert"
	"modelhub/internal/eventbus"
	"modelhub/internal/lease"
	"modelhub/internal/metrics"
	"modelhub/internal/task/engine"
	"modelhub/pkg/logx"
)

// Alerter receives operational alerts. *alert.Service implements it.
type Alerter interface {
	Notify(ctx context.Context, a alert.Alert) error
}

type RunnerOptions struct {
	// ScanTimeout bounds one rule's detect and insert; default 30s.
	ScanTimeout time.Duration
	// LeaseTTL bounds how long a replica holds a rule's scan lease.
	LeaseTTL time.Duration
	Locker   lease.Locker
	Metrics  *metrics.Metrics
	Bus      eventbus.Bus
	Alerts   Alerter
	// Disabled type keys are skipped by RunAll.
	Disabled []string
	Now      func() time.Time
}

// RunResult describes one rule scan.
type RunResult struct {
	Type     string        `json:"type"`
	Since    time.Time     `json:"since"`
	Until    time.Time     `json:"until"`
	Detected int           `json:"detected"`
	Inserted int64         `json:"inserted"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Runner scans rules incrementally from their stored watermarks.
type Runner struct {
	reg      *Registry
	eng      *Engine
	store    Store
	log      logx.Logger
	opt      RunnerOptions

	mu       sync.RWMutex
	disabled map[string]bool
}

func NewRunner(reg *Registry, eng *Engine, store Store, log logx.Logger, opt RunnerOptions) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.ScanTimeout <= 0 {
		opt.ScanTimeout = 30 * time.Second
	}
	if opt.LeaseTTL <= 0 {
		opt.LeaseTTL = 2 * opt.ScanTimeout
	}
	if opt.Locker == nil {
		opt.Locker = lease.Noop{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	r := &Runner{reg: reg, eng: eng, store: store, log: log, opt: opt}
	r.SetDisabled(opt.Disabled)
	return r
}

// SetDisabled replaces the set of types RunAll skips.
func (r *Runner) SetDisabled(types []string) {
	disabled := make(map[string]bool, len(types))
	for _, t := range types {
		disabled[t] = true
	}
	r.mu.Lock()
	r.disabled = disabled
	r.mu.Unlock()
}

// Enabled reports whether RunAll scans typ.
func (r *Runner) Enabled(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled[typ]
}

func (r *Runner) Registry() *Registry { return r.reg }

// Run scans typ over [watermark, now) and advances the watermark to the
// scan start once the inserts committed. On failure the watermark stays.
func (r *Runner) Run(ctx context.Context, typ string) (RunResult, error) {
	rule, err := r.reg.Get(typ)
	if err != nil {
		return RunResult{Type: typ}, err
	}
	scanStart := r.opt.Now()
	res := RunResult{Type: typ, Until: scanStart}
	log := r.log.With(logx.String("type", typ))

	since, err := r.store.Watermark(ctx, typ)
	if err != nil {
		return r.fail(ctx, res, scanStart, err)
	}
	res.Since = since
	if !since.Before(scanStart) {
		res.Skipped = true
		return res, nil
	}

	release, ok, err := r.opt.Locker.TryAcquire(ctx, "scan:"+typ, r.opt.LeaseTTL)
	switch {
	case err != nil:
		r.opt.Metrics.LeaseAcquire("error")
		return r.fail(ctx, res, scanStart, fmt.Errorf("acquiring scan lease: %w", err))
	case !ok:
		r.opt.Metrics.LeaseAcquire("held")
		res.Skipped = true
		log.Debug("scan skipped, lease held elsewhere")
		eventbus.Publish(r.opt.Bus, eventbus.TopicScanSkipped, res)
		return res, nil
	}
	r.opt.Metrics.LeaseAcquire("acquired")
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("scan lease release failed", logx.Err(err))
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, r.opt.ScanTimeout)
	detected, inserted, err := r.eng.Process(scanCtx, rule, Window{Since: since, Until: scanStart})
	cancel()
	res.Detected, res.Inserted = detected, inserted
	if err != nil {
		return r.fail(ctx, res, scanStart, err)
	}

	if err := r.store.AdvanceWatermark(ctx, typ, scanStart); err != nil {
		return r.fail(ctx, res, scanStart, err)
	}

	res.Duration = time.Since(scanStart)
	r.opt.Metrics.ObserveScan(typ, "ok", res.Duration)
	r.opt.Metrics.NotificationsInserted(typ, inserted)
	r.opt.Metrics.WatermarkLag(typ, 0)
	eventbus.Publish(r.opt.Bus, eventbus.TopicScanFinished, res)
	log.Info("scan finished",
		logx.Time("since", since),
		logx.Time("until", scanStart),
		logx.Int("detected", detected),
		logx.Int64("inserted", inserted),
		logx.Duration("took", res.Duration))
	return res, nil
}

func (r *Runner) fail(ctx context.Context, res RunResult, scanStart time.Time, err error) (RunResult, error) {
	err = fmt.Errorf("scan %s: %w", res.Type, err)
	res.Duration = time.Since(scanStart)
	res.Error = err.Error()
	if !res.Since.IsZero() {
		r.opt.Metrics.WatermarkLag(res.Type, scanStart.Sub(res.Since))
	}
	r.opt.Metrics.ObserveScan(res.Type, "error", res.Duration)
	eventbus.Publish(r.opt.Bus, eventbus.TopicScanFailed, res)
	r.log.Error("scan failed", logx.String("type", res.Type), logx.Err(err))
	if r.opt.Alerts != nil {
		_ = r.opt.Alerts.Notify(context.WithoutCancel(ctx), alert.Alert{
			Key:      "scan:" + res.Type,
			Severity: alert.SeverityError,
			Title:    "notification scan failed",
			Text:     err.Error(),
		})
	}
	return res, err
}

// RunAll scans every enabled rule in registration order. One rule failing
// does not stop the others; all failures are joined into the error.
func (r *Runner) RunAll(ctx context.Context) ([]RunResult, error) {
	var (
		out  []RunResult
		errs []error
	)
	for _, typ := range r.reg.Types() {
		if !r.Enabled(typ) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := r.Run(ctx, typ)
		out = append(out, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Job adapts a single-rule scan to a scheduled task body.
func (r *Runner) Job(typ string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.Run(ctx, typ)
		if errors.Is(err, ErrUnknownType) {
			return engine.NoRetry(err)
		}
		return err
	}
}
