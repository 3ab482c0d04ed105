package effects

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memRecorder struct {
	mu       sync.Mutex
	failures []Failure
}

func (m *memRecorder) RecordFailure(ctx context.Context, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunIsolatesFailures(t *testing.T) {
	rec := &memRecorder{}
	runner := Runner{Timeout: time.Second, Logger: quietLogger(), Recorder: rec}
	var ran sync.Map
	effs := []Effect{
		{Kind: "chat", Run: func(ctx context.Context) error { return errors.New("webhook down") }},
		{Kind: "email", Run: func(ctx context.Context) error { ran.Store("email", true); return nil }},
		{Kind: "credits", Run: func(ctx context.Context) error { panic("boom") }},
	}
	reports := runner.Run(context.Background(), Scope{Transition: "publish", ListingID: "l1"}, effs)
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	if reports[0].Kind != "chat" || reports[0].OK() {
		t.Fatalf("chat should fail: %+v", reports[0])
	}
	if !reports[1].OK() {
		t.Fatalf("email should succeed: %+v", reports[1])
	}
	if _, ok := ran.Load("email"); !ok {
		t.Fatalf("email effect did not run")
	}
	if reports[2].OK() {
		t.Fatalf("panicking effect should be reported as failure")
	}
	if len(Failed(reports)) != 2 {
		t.Fatalf("expected 2 failed reports")
	}
	if len(rec.failures) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", len(rec.failures))
	}
	for _, f := range rec.failures {
		if f.ListingID != "l1" || f.Transition != "publish" {
			t.Fatalf("failure missing scope: %+v", f)
		}
	}
}

func TestRunBoundsSlowEffects(t *testing.T) {
	runner := Runner{Timeout: 50 * time.Millisecond, Logger: quietLogger()}
	release := make(chan struct{})
	defer close(release)
	effs := []Effect{
		{Kind: "slow", Run: func(ctx context.Context) error { <-release; return nil }},
	}
	start := time.Now()
	reports := runner.Run(context.Background(), Scope{Transition: "announce"}, effs)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("run waited too long: %s", elapsed)
	}
	if !errors.Is(reports[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", reports[0].Err)
	}
}

func TestRunSurvivesCanceledRequest(t *testing.T) {
	runner := Runner{Timeout: time.Second, Logger: quietLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reports := runner.Run(ctx, Scope{}, []Effect{
		{Kind: "email", Run: func(ctx context.Context) error { return ctx.Err() }},
	})
	if !reports[0].OK() {
		t.Fatalf("effects should not inherit request cancellation: %v", reports[0].Err)
	}
}
