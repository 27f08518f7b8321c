package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"modelhub/internal/alert"
	"modelhub/internal/eventbus"
	"modelhub/internal/metrics"
	"modelhub/internal/storage"
	"modelhub/pkg/logx"
)

const noImporterMessage = "No importer found"

// Store is the job persistence the pipeline needs. *storage.Store
// implements it.
type Store interface {
	ImportJob(ctx context.Context, id string) (storage.ImportJob, error)
	ClaimImportJob(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	UpdateImportStatus(ctx context.Context, id string, status storage.ImportStatus, data []byte) error
	InsertChildJobs(ctx context.Context, parent storage.ImportJob, children []storage.ChildJob, batch int) (int64, error)
	ChildJobs(ctx context.Context, parentID string) ([]storage.ImportJob, error)
	ResumableImportJobs(ctx context.Context, staleBefore time.Time, limit int) ([]storage.ImportJob, error)
}

type Alerter interface {
	Notify(ctx context.Context, a alert.Alert) error
}

type Options struct {
	RunTimeout       time.Duration // per importer run; default 5m
	InsertBatchSize  int           // default 900
	ProcessBatchSize int           // children processed in parallel; default 10
	SweepLimit       int           // jobs per sweep; default 20
	// StaleAfter is how long a job may sit in Processing before another
	// run may take it over, and how long a sweep leaves fresh children to
	// the fan-out that created them. Default 2x RunTimeout.
	StaleAfter time.Duration
	Metrics          *metrics.Metrics
	Bus              eventbus.Bus
	Alerts           Alerter
}

// Report summarizes one Process call. FanoutErr joins every error raised
// while processing descendants; it never alters the root's status.
// Skipped is set when another run already owns the root.
type Report struct {
	JobID     string               `json:"jobId"`
	Status    storage.ImportStatus `json:"status"`
	Skipped   bool                 `json:"skipped,omitempty"`
	Processed int                  `json:"processed"`
	Failed    int                  `json:"failed"`
	Deferred  int                  `json:"deferred,omitempty"`
	FanoutErr error                `json:"-"`
}

type Pipeline struct {
	store      Store
	dispatcher *Dispatcher
	log        logx.Logger
	opt        Options
}

func NewPipeline(store Store, d *Dispatcher, log logx.Logger, opt Options) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.RunTimeout <= 0 {
		opt.RunTimeout = 5 * time.Minute
	}
	if opt.InsertBatchSize <= 0 {
		opt.InsertBatchSize = 900
	}
	if opt.ProcessBatchSize <= 0 {
		opt.ProcessBatchSize = 10
	}
	if opt.SweepLimit <= 0 {
		opt.SweepLimit = 20
	}
	if opt.StaleAfter <= 0 {
		opt.StaleAfter = 2 * opt.RunTimeout
	}
	return &Pipeline{store: store, dispatcher: d, log: log, opt: opt}
}

// ProcessID loads job id and processes it.
func (p *Pipeline) ProcessID(ctx context.Context, id string) (Report, error) {
	job, err := p.store.ImportJob(ctx, id)
	if err != nil {
		return Report{JobID: id}, fmt.Errorf("loading import job %s: %w", id, err)
	}
	return p.Process(ctx, job)
}

// Process runs job and then, breadth first, every descendant it spawned.
// The error is non-nil only when the root itself could not be processed;
// a deferred root returns its Deferrable error.
func (p *Pipeline) Process(ctx context.Context, job storage.ImportJob) (Report, error) {
	rep := Report{JobID: job.ID}
	out, err := p.processOne(ctx, job)
	rep.Status = out.status
	if err != nil {
		return rep, err
	}
	if out.skipped {
		rep.Skipped = true
		p.log.Debug("import already claimed", logx.String("job", job.ID))
		return rep, nil
	}
	if out.deferred != nil {
		rep.Deferred = 1
		return rep, fmt.Errorf("import %s deferred: %w", job.ID, out.deferred)
	}
	rep.Processed = 1
	if out.status == storage.ImportFailed {
		rep.Failed = 1
	}

	var (
		errs    []error
		queue   []storage.ImportJob
		visited = map[string]bool{job.ID: true}
	)
	if out.spawned {
		queue = append(queue, job)
	}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		children, err := p.store.ChildJobs(ctx, parent.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var todo []storage.ImportJob
		for _, c := range children {
			if visited[c.ID] || c.Status == storage.ImportCompleted {
				continue
			}
			visited[c.ID] = true
			todo = append(todo, c)
		}

		for start := 0; start < len(todo); start += p.opt.ProcessBatchSize {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				queue = nil
				break
			}
			batch := todo[start:min(start+p.opt.ProcessBatchSize, len(todo))]
			results := p.processBatch(ctx, batch)
			for i, r := range results {
				switch {
				case r.skipped:
					continue
				case r.deferred != nil:
					rep.Deferred++
					continue
				}
				rep.Processed++
				if r.status == storage.ImportFailed {
					rep.Failed++
				}
				if r.err != nil {
					errs = append(errs, fmt.Errorf("child %s (%s): %w", batch[i].ID, batch[i].Source, r.err))
					continue
				}
				if r.spawned {
					queue = append(queue, batch[i])
				}
			}
		}
	}

	if len(errs) > 0 {
		rep.FanoutErr = errors.Join(errs...)
		p.reportFanout(ctx, job, rep.FanoutErr, len(errs))
	}
	eventbus.Publish(p.opt.Bus, eventbus.TopicImportFinished, rep)
	p.log.Info("import finished",
		logx.String("job", job.ID),
		logx.String("source", job.Source),
		logx.String("status", string(rep.Status)),
		logx.Int("processed", rep.Processed),
		logx.Int("failed", rep.Failed))
	return rep, nil
}

type outcome struct {
	status   storage.ImportStatus
	spawned  bool
	skipped  bool
	deferred Deferrable
	err      error
}

func (p *Pipeline) processBatch(ctx context.Context, batch []storage.ImportJob) []outcome {
	results := make([]outcome, len(batch))
	var wg sync.WaitGroup
	for i, job := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.processOne(ctx, job)
			out.err = err
			results[i] = out
		}()
	}
	wg.Wait()
	return results
}

func (p *Pipeline) reportFanout(ctx context.Context, root storage.ImportJob, err error, n int) {
	p.opt.Metrics.FanoutErrors(n)
	p.log.Error("import fan-out errors",
		logx.String("job", root.ID),
		logx.Int("count", n),
		logx.Err(err))
	eventbus.Publish(p.opt.Bus, eventbus.TopicFanoutFailed, map[string]any{
		"jobId": root.ID, "count": n, "error": err.Error(),
	})
	if p.opt.Alerts != nil {
		_ = p.opt.Alerts.Notify(context.WithoutCancel(ctx), alert.Alert{
			Key:      "fanout:" + root.ID,
			Severity: alert.SeverityWarn,
			Title:    fmt.Sprintf("import %s: %d child errors", root.Source, n),
			Text:     err.Error(),
		})
	}
}

// processOne claims job and runs it to a final status. Importer failures
// end in Failed and are not returned; only store errors are. A job owned
// by another run is skipped and a deferred one goes back to Pending.
func (p *Pipeline) processOne(ctx context.Context, job storage.ImportJob) (outcome, error) {
	log := p.log.With(logx.String("job", job.ID), logx.String("source", job.Source))

	claimed, err := p.store.ClaimImportJob(ctx, job.ID, time.Now().Add(-p.opt.StaleAfter))
	if err != nil {
		return outcome{}, err
	}
	if !claimed {
		return outcome{status: job.Status, skipped: true}, nil
	}

	imp, ok := p.dispatcher.Dispatch(job.Source)
	if !ok {
		data := mergeData(job.Data, map[string]any{"error": noImporterMessage, "stack": ""})
		if err := p.store.UpdateImportStatus(ctx, job.ID, storage.ImportFailed, data); err != nil {
			return outcome{}, err
		}
		p.opt.Metrics.ImportJob("", string(storage.ImportFailed))
		log.Warn("no importer for source")
		return outcome{status: storage.ImportFailed}, nil
	}

	res, err := p.run(ctx, imp, job)
	var d Deferrable
	if errors.As(err, &d) {
		log.Info("import deferred", logx.String("importer", imp.Name()), logx.Duration("retry_after", d.RetryAfter()), logx.Err(err))
		if uerr := p.store.UpdateImportStatus(ctx, job.ID, storage.ImportPending, nil); uerr != nil {
			return outcome{}, uerr
		}
		return outcome{status: storage.ImportPending, deferred: d}, nil
	}
	if err == nil && len(res.Dependencies) > 0 {
		err = p.insertChildren(ctx, job, res.Dependencies)
	}
	if err != nil {
		log.Warn("import failed", logx.String("importer", imp.Name()), logx.Err(err))
		if uerr := p.store.UpdateImportStatus(ctx, job.ID, storage.ImportFailed, failureData(job, err)); uerr != nil {
			return outcome{}, uerr
		}
		p.opt.Metrics.ImportJob(imp.Name(), string(storage.ImportFailed))
		return outcome{status: storage.ImportFailed}, nil
	}

	status := res.Status
	if status == "" {
		status = storage.ImportCompleted
	}
	var data []byte
	switch {
	case res.Data != nil:
		if data, err = json.Marshal(res.Data); err != nil {
			return outcome{}, fmt.Errorf("encoding result of %s: %w", job.ID, err)
		}
	case job.Status == storage.ImportFailed:
		data = mergeData(job.Data, nil, "error", "stack")
	}
	if err := p.store.UpdateImportStatus(ctx, job.ID, status, data); err != nil {
		return outcome{}, err
	}
	p.opt.Metrics.ImportJob(imp.Name(), string(status))
	log.Debug("import done", logx.String("status", string(status)), logx.Int("dependencies", len(res.Dependencies)))
	return outcome{status: status, spawned: len(res.Dependencies) > 0}, nil
}

func (p *Pipeline) insertChildren(ctx context.Context, job storage.ImportJob, deps []Dependency) error {
	children := make([]storage.ChildJob, 0, len(deps))
	for _, d := range deps {
		c := storage.ChildJob{Source: d.Source}
		if d.Data != nil {
			b, err := json.Marshal(d.Data)
			if err != nil {
				return fmt.Errorf("encoding dependency %s: %w", d.Source, err)
			}
			c.Data = b
		}
		children = append(children, c)
	}
	_, err := p.store.InsertChildJobs(ctx, job, children, p.opt.InsertBatchSize)
	return err
}

// panicError carries the stack of a recovered importer panic.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (p *Pipeline) run(ctx context.Context, imp Importer, job storage.ImportJob) (res Result, err error) {
	runCtx, cancel := context.WithTimeout(ctx, p.opt.RunTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	in := RunInput{JobID: job.ID, Source: job.Source, UserID: job.UserID}
	if job.Data.Valid && job.Data.String != "" {
		in.Data = json.RawMessage(job.Data.String)
	}
	return imp.Run(runCtx, in)
}

// failureData adds "error" and "stack" to the job's data, keeping its seed
// for a later retry. For plain errors the stack is the chain of wrapped
// messages.
func failureData(job storage.ImportJob, err error) []byte {
	var stack string
	var pe *panicError
	if errors.As(err, &pe) {
		stack = pe.stack
	} else {
		var chain []string
		for e := err; e != nil; e = errors.Unwrap(e) {
			chain = append(chain, fmt.Sprintf("%T: %s", e, e.Error()))
		}
		stack = strings.Join(chain, "\n")
	}
	return mergeData(job.Data, map[string]any{"error": err.Error(), "stack": stack})
}

// mergeData overlays set onto the stored JSON object and removes drop.
// Stored data that is not an object is replaced.
func mergeData(stored sql.NullString, set map[string]any, drop ...string) []byte {
	m := map[string]any{}
	if stored.Valid && stored.String != "" {
		if err := json.Unmarshal([]byte(stored.String), &m); err != nil || m == nil {
			m = map[string]any{}
		}
	}
	for k, v := range set {
		m[k] = v
	}
	for _, k := range drop {
		delete(m, k)
	}
	b, _ := json.Marshal(m)
	return b
}

// Sweep resumes work no live run owns: pending roots, children left
// pending after their parent finished, and jobs abandoned in Processing.
// A deferred job ends the sweep early.
func (p *Pipeline) Sweep(ctx context.Context) error {
	jobs, err := p.store.ResumableImportJobs(ctx, time.Now().Add(-p.opt.StaleAfter), p.opt.SweepLimit)
	if err != nil {
		return err
	}
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := p.Process(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("import %s: %w", job.ID, err))
			var d Deferrable
			if errors.As(err, &d) {
				break
			}
		}
	}
	return errors.Join(errs...)
}
