// Package effects runs post-transition side effects. Effects run concurrently
// once the transition has committed; a failing effect is logged and recorded
// but never returned to the caller.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 10 * time.Second

// Effect describes one side effect of a transition.
type Effect struct {
	Kind string
	Run  func(ctx context.Context) error
}

type Report struct {
	Kind     string        `json:"kind"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

func (r Report) OK() bool {
	return r.Err == nil
}

// Failure identifies a failed effect for manual replay.
type Failure struct {
	Transition string
	ListingID  string
	ActorID    string
	SponsorID  string
	Kind       string
	Err        error
}

// Recorder persists effect failures, e.g. as audit events.
type Recorder interface {
	RecordFailure(ctx context.Context, f Failure) error
}

// Scope names the committed transition the effects belong to.
type Scope struct {
	Transition string
	ListingID  string
	ActorID    string
	SponsorID  string
}

type Runner struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Recorder Recorder
}

func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Run executes every effect and waits at most Timeout for each. Reports are
// returned in the order of effs.
func (r Runner) Run(ctx context.Context, scope Scope, effs []Effect) []Report {
	if len(effs) == 0 {
		return nil
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := ResolveLogger(r.Logger)
	// Effects outlive the request that committed the transition.
	base := context.WithoutCancel(ctx)

	reports := make([]Report, len(effs))
	var g errgroup.Group
	for i, eff := range effs {
		g.Go(func() error {
			start := time.Now()
			err := runBounded(base, timeout, eff)
			reports[i] = Report{Kind: eff.Kind, Err: err, Duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()

	for _, rep := range reports {
		if rep.OK() {
			continue
		}
		logger.Warn("effect failed",
			"transition", scope.Transition,
			"listing_id", scope.ListingID,
			"effect", rep.Kind,
			"error", rep.Err,
		)
		if r.Recorder == nil {
			continue
		}
		err := r.Recorder.RecordFailure(base, Failure{
			Transition: scope.Transition,
			ListingID:  scope.ListingID,
			ActorID:    scope.ActorID,
			SponsorID:  scope.SponsorID,
			Kind:       rep.Kind,
			Err:        rep.Err,
		})
		if err != nil {
			logger.Error("record effect failure", "listing_id", scope.ListingID, "effect", rep.Kind, "error", err)
		}
	}
	return reports
}

func runBounded(parent context.Context, timeout time.Duration, eff Effect) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if eff.Run == nil {
		return fmt.Errorf("effect %s has no run function", eff.Kind)
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("effect %s panicked: %v", eff.Kind, p)
			}
		}()
		done <- eff.Run(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("effect %s: %w", eff.Kind, ctx.Err())
	}
}

// Failed returns the reports that carry an error.
func Failed(reports []Report) []Report {
	var out []Report
	for _, r := range reports {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}
