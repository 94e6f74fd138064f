package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per scheduled cycle with the tick's grid time.
type TickFunc func(ctx context.Context, tick time.Time) error

// State reports whether a cycle is in flight.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Settings are re-read before every tick.
type Settings struct {
	Enabled  bool
	Interval time.Duration
}

// Severity selects the log level used for a failed cycle.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarn
)

// Classifier maps a cycle failure to a severity and an optional operator hint.
type Classifier func(err error) (Severity, string)

// Options tune scheduler behaviour.
type Options struct {
	InitialDelay time.Duration
	Settings     func() Settings
	Classify     Classifier
}

// Scheduler drives fixed-rate execution of sync cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	state  atomic.Int32
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Settings == nil {
		panic("scheduler settings source must be set")
	}
	if opts.Classify == nil {
		opts.Classify = func(error) (Severity, string) { return SeverityError, "" }
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run blocks, invoking tick on a fixed-rate grid until ctx is cancelled.
// Cycles never overlap; ticks that fall inside an overrunning cycle are dropped.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.InitialDelay > 0 {
		s.logger.Info().Dur("initial_delay", s.opts.InitialDelay).Msg("waiting before first cycle")
		if err := sleep(ctx, s.opts.InitialDelay); err != nil {
			return err
		}
	}

	interval := s.opts.Settings().Interval
	next := time.Now()
	for {
		if err := sleep(ctx, time.Until(next)); err != nil {
			return err
		}

		settings := s.opts.Settings()
		if settings.Interval > 0 {
			interval = settings.Interval
		}
		if interval <= 0 {
			return fmt.Errorf("scheduler interval must be positive")
		}

		if settings.Enabled {
			s.runCycle(ctx, tick, next)
		} else {
			s.logger.Info().Time("tick", next).Msg("scheduler disabled, skipping cycle")
		}

		var dropped int64
		next, dropped = advance(next, interval, time.Now())
		if dropped > 0 {
			s.logger.Warn().Int64("dropped_ticks", dropped).Time("next_tick", next).Msg("cycle overran interval")
		} else {
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, tick TickFunc, at time.Time) {
	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateIdle))

	started := time.Now()
	err := s.invoke(ctx, tick, at)
	if err == nil {
		s.logger.Info().Time("tick", at).Dur("elapsed", time.Since(started)).Msg("cycle completed")
		return
	}
	if ctx.Err() != nil {
		s.logger.Info().Err(err).Time("tick", at).Msg("cycle interrupted by shutdown")
		return
	}

	severity, hint := s.opts.Classify(err)
	var event *zerolog.Event
	if severity == SeverityWarn {
		event = s.logger.Warn()
	} else {
		event = s.logger.Error()
	}
	if hint != "" {
		event = event.Str("hint", hint)
	}
	event.Err(err).Time("tick", at).Dur("elapsed", time.Since(started)).Msg("cycle failed")
}

func (s *Scheduler) invoke(ctx context.Context, tick TickFunc, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return tick(ctx, at)
}

// advance returns the first grid point after now and how many grid points were skipped.
func advance(prev time.Time, interval time.Duration, now time.Time) (time.Time, int64) {
	next := prev.Add(interval)
	if next.After(now) {
		return next, 0
	}
	missed := int64(now.Sub(next)/interval) + 1
	return next.Add(time.Duration(missed) * interval), missed
}

func sleep(ctx context.Context, d time.Duration) error {
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
