package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modelhub/internal/eventbus"
	"modelhub/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("transient")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	sender := &recordingSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(testConfig(), sender, logx.Nop(), bus)
	s.Start(context.Background())

	a := Alert{Key: "scan:x", Severity: SeverityError, Title: "scan failed", Text: "boom"}
	if err := s.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify duplicate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	got := sender.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d alerts, want 1: %q", len(got), got)
	}
	if got[0] != "🚨 scan failed\nboom" {
		t.Fatalf("text = %q", got[0])
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TopicAlertSent {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatal("no alert.sent event")
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Key != "scan:x" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	sender := &recordingSender{fails: 2}
	s := New(testConfig(), sender, logx.Nop(), nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), Alert{Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := sender.sent(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent = %q", got)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &recordingSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(testConfig(), &recordingSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
}

func TestDedupKeyFallsBackToContent(t *testing.T) {
	a := dedupKey(Alert{Title: "t", Text: "x"})
	b := dedupKey(Alert{Title: "t", Text: "x"})
	c := dedupKey(Alert{Title: "t", Text: "y"})
	if a != b || a == c {
		t.Fatalf("keys: %s %s %s", a, b, c)
	}
}
