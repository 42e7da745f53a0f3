package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the tick timestamp.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune loop behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Loop drives periodic execution of a monitoring job. Tick errors are logged
// and the loop keeps its cadence; only context cancellation stops it.
type Loop struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Loop instance.
func New(opts Options, logger zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	name := opts.Name
	if name == "" {
		name = "loop"
	}
	return &Loop{opts: opts, logger: logger.With().Str("component", "scheduler").Str("loop", name).Logger()}
}

// Run blocks, invoking the tick function at each interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, tick TickFunc) error {
	if l.opts.StartupDelay > 0 {
		timer := time.NewTimer(l.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := l.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = l.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		l.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		now := l.tickTime(next)
		l.logger.Debug().Time("tick", now).Msg("executing scheduled tick")

		if err := tick(ctx, now); err != nil {
			l.logger.Error().Err(err).Time("tick", now).Msg("tick execution failed")
		}

		next = next.Add(l.opts.Interval)
	}
}

func (l *Loop) nextTick(now time.Time) time.Time {
	if !l.opts.AlignToStart {
		return now.Add(l.opts.Interval)
	}
	tick := now.Truncate(l.opts.Interval)
	if !tick.After(now) {
		tick = tick.Add(l.opts.Interval)
	}
	return tick
}

func (l *Loop) tickTime(t time.Time) time.Time {
	if !l.opts.AlignToStart {
		return t
	}
	return t.Truncate(l.opts.Interval)
}
