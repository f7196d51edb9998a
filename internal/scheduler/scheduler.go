package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle. A returned error stops the loop.
type TickFunc func(ctx context.Context, cycle int) error

// State reports where the loop is.
type State int32

const (
	// StatePolling means a tick is running (or about to).
	StatePolling State = iota
	// StateIdle means the loop is sleeping between ticks.
	StateIdle
	// StateStopped means Run has returned.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateIdle:
		return "idle"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler runs ticks back to back with a fixed pause between the end of
// one and the start of the next.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	state  atomic.Int32
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// State returns the current loop state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run blocks until ctx is cancelled or a tick fails. The first tick starts
// immediately (after StartupDelay).
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	s.state.Store(int32(StatePolling))
	defer s.state.Store(int32(StateStopped))

	if err := wait(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.state.Store(int32(StatePolling))
		if err := tick(ctx, cycle); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				s.logger.Debug().Int("cycle", cycle).Msg("tick interrupted by shutdown")
				return err
			}
			s.logger.Error().Err(err).Int("cycle", cycle).Msg("tick execution failed, stopping")
			return err
		}

		s.state.Store(int32(StateIdle))
		s.logger.Info().Msgf("⏳ 等待 %d 分钟...", int(s.opts.Interval/time.Minute))
		s.logger.Debug().Time("next_cycle", time.Now().Add(s.opts.Interval)).Msg("waiting for next cycle")
		if err := wait(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
