package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"modelhub/internal/eventbus"
	"modelhub/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.droppedStale.Add(1)
		item.Error = "stale_queue_delay"
		s.record(item)
		eventbus.Publish(s.bus, "task.dropped", item)
		s.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		return
	}

	eventbus.Publish(s.bus, eventbus.TopicTaskStarted, item)
	attempts, err := s.runWithRetry(ctx, stopCh, qt, rng)
	item.Attempts = attempts
	item.Duration = time.Since(start)

	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed",
			logx.String("task", qt.task.Name),
			logx.Err(err),
			logx.Duration("dur", item.Duration),
			logx.Int("attempts", attempts),
		)
		eventbus.Publish(s.bus, eventbus.TopicTaskFailed, item)
	} else {
		s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
		eventbus.Publish(s.bus, eventbus.TopicTaskFinished, item)
	}
	s.record(item)
}

func (s *Service) runWithRetry(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (attempts int, err error) {
	maxAttempts := 1 + qt.opt.RetryMax
	for attempts = 1; ; attempts++ {
		err = s.runAttempt(ctx, qt)
		if err == nil {
			return attempts, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempts, nr.err
		}
		if attempts >= maxAttempts {
			return attempts, err
		}
		delay := backoffDelay(qt.opt, attempts, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, ErrStopping
		case <-tmr.C:
		}
	}
}

func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay doubles RetryBase per retry, honors a RetryAfter hint and
// applies symmetric jitter, capped at RetryMaxDelay.
func backoffDelay(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if opt.RetryJitter > 0 && rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
