// Package recovery brings an unresponsive modem back with progressively
// more invasive strategies, from AT-level resets up to USB resets.
package recovery

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is the verdict of one recovery attempt.
type Outcome int

const (
	// Success means the strategy did its job; the ladder stops.
	Success Outcome = iota
	// Unavailable means the strategy cannot run here (missing tool, no
	// permission, no matching device); the ladder moves on.
	Unavailable
	// Failed means the strategy ran and did not help; the ladder moves on.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Unavailable:
		return "unavailable"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Err     error
}

func succeeded() Result {
	return Result{Outcome: Success}
}

func unavailable(err error) Result {
	return Result{Outcome: Unavailable, Err: err}
}

func failed(err error) Result {
	return Result{Outcome: Failed, Err: err}
}

// Strategy is one rung of the ladder.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context) Result
}

// Attempt records what one strategy reported.
type Attempt struct {
	Strategy string
	Result   Result
	Elapsed  time.Duration
}

// Report lists the attempts of one ladder run in order.
type Report struct {
	Attempts []Attempt
}

// Recovered reports whether a strategy succeeded.
func (r Report) Recovered() bool {
	return r.Winner() != ""
}

// Winner returns the name of the strategy that succeeded, if any.
func (r Report) Winner() string {
	for _, a := range r.Attempts {
		if a.Result.Outcome == Success {
			return a.Strategy
		}
	}
	return ""
}

// Ladder runs strategies in order until one succeeds.
type Ladder struct {
	name       string
	strategies []Strategy
	logger     *slog.Logger
}

func NewLadder(name string, logger *slog.Logger, strategies ...Strategy) *Ladder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ladder{
		name:       name,
		strategies: strategies,
		logger:     logger.With("component", "recovery", "ladder", name),
	}
}

// Run tries every strategy in order and stops at the first success or when
// ctx is done. It never fails; the report says what happened.
func (l *Ladder) Run(ctx context.Context) Report {
	var report Report
	l.logger.Info("recovery started", "strategies", len(l.strategies))

	for _, s := range l.strategies {
		if ctx.Err() != nil {
			l.logger.Warn("recovery interrupted", "error", ctx.Err())
			break
		}

		start := time.Now()
		result := s.Attempt(ctx)
		report.Attempts = append(report.Attempts, Attempt{
			Strategy: s.Name(),
			Result:   result,
			Elapsed:  time.Since(start),
		})

		switch result.Outcome {
		case Success:
			l.logger.Info("recovery strategy succeeded", "strategy", s.Name())
			return report
		case Unavailable:
			l.logger.Debug("recovery strategy unavailable", "strategy", s.Name(), "reason", result.Err)
		default:
			l.logger.Warn("recovery strategy failed", "strategy", s.Name(), "error", result.Err)
		}
	}

	l.logger.Warn("recovery exhausted", "attempts", len(report.Attempts))
	return report
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
