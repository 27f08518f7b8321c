package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"modelhub/internal/eventbus"
	"modelhub/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "scan", Run: func(context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run")
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, RetryMax: 2})
	var flaky, permanent atomic.Int32
	opt := TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}

	_ = s.Enqueue(Task{Name: "flaky", Opt: opt, Run: func(context.Context) error {
		if flaky.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	_ = s.Enqueue(Task{Name: "permanent", Opt: opt, Run: func(context.Context) error {
		permanent.Add(1)
		return NoRetry(errors.New("bad input"))
	}})

	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	if flaky.Load() != 3 {
		t.Fatalf("flaky attempts=%d want 3", flaky.Load())
	}
	if permanent.Load() != 1 {
		t.Fatalf("permanent attempts=%d want 1", permanent.Load())
	}
	for _, h := range s.Snapshot().History {
		if h.Name == "permanent" && h.Error != "bad input" {
			t.Fatalf("unexpected error %q", h.Error)
		}
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	release := make(chan struct{})
	task := Task{Name: "notifications.model-like-milestone", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("expected overlap skip, got %v", err)
	}
	close(release)
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	waitFor(t, func() bool { return s.Enqueue(task) == nil })
}

func TestTimeoutAndPanic(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: -1})
	_ = s.Enqueue(Task{Name: "slow", Timeout: 10 * time.Millisecond, Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Enqueue(Task{Name: "panics", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { panic("boom") }})

	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	for _, h := range s.Snapshot().History {
		if h.Error == "" || h.Attempts != 1 {
			t.Fatalf("expected single failed attempt, got %+v", h)
		}
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()

	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	notStarted := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := notStarted.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	cases := []struct {
		retry int
		err   error
		want  time.Duration
	}{
		{1, errors.New("x"), 100 * time.Millisecond},
		{3, errors.New("x"), 400 * time.Millisecond},
		{10, errors.New("x"), time.Second},
		{1, RetryAfter(errors.New("429"), 700*time.Millisecond), 700 * time.Millisecond},
		{1, RetryAfter(errors.New("429"), time.Hour), time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(opt, tc.retry, tc.err, nil); got != tc.want {
			t.Fatalf("retry=%d err=%v got %v want %v", tc.retry, tc.err, got, tc.want)
		}
	}
	jittered := backoffDelay(TaskOptions{RetryBase: time.Second, RetryMaxDelay: time.Minute, RetryJitter: 0.2}, 1, errors.New("x"), rand.New(rand.NewSource(1)))
	if jittered < 800*time.Millisecond || jittered > 1200*time.Millisecond {
		t.Fatalf("jitter out of range: %v", jittered)
	}
}
