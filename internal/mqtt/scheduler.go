package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTick is the scheduler's countdown resolution.
const DefaultTick = time.Second

// Poller publishes the state of every configured device once.
type Poller interface {
	Poll(ctx context.Context) error
}

// SchedulerConfig configures a [Scheduler].
type SchedulerConfig struct {
	Machine   *Machine
	Publisher *Publisher
	Poller    Poller
	// Events is the session's event queue.
	Events <-chan Event
	// Interval is the poll interval.
	Interval time.Duration
	// Tick defaults to [DefaultTick].
	Tick   time.Duration
	Logger *slog.Logger
}

// Scheduler is the polling loop. While connected it polls every
// Interval; while disconnected it idles one tick at a time. Connection
// events can shorten the countdown at any point.
type Scheduler struct {
	cfg   SchedulerConfig
	ticks int
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ticks := int(cfg.Interval / cfg.Tick)
	return &Scheduler{cfg: cfg, ticks: max(1, ticks)}
}

// Run drives the loop until ctx is cancelled, returning nil, or until a
// poll or connection event fails fatally, returning that error. A poll
// that fails because ctx was cancelled counts as cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	st := s.cfg.Machine.st
	for {
		if err := s.cycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		for st.currentDelay() > 0 {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-s.cfg.Events:
				if err := s.cfg.Machine.Handle(ctx, ev); err != nil {
					return err
				}
			case <-ticker.C:
				st.countdown()
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// cycle runs one scheduler step and sets the next countdown.
func (s *Scheduler) cycle(ctx context.Context) error {
	st := s.cfg.Machine.st
	if s.cfg.Machine.State() != Connected {
		st.setDelay(1)
		return nil
	}

	if st.takeResend() {
		if err := s.cfg.Publisher.PublishOnline(ctx); err != nil {
			s.cfg.Logger.Warn("mqtt availability resend failed", "error", err)
		}
	}

	if err := s.cfg.Poller.Poll(ctx); err != nil {
		// A poll cut short by shutdown is not a tool failure.
		if ctx.Err() != nil {
			s.cfg.Logger.Debug("poll interrupted by shutdown", "error", err)
			return nil
		}
		return fmt.Errorf("main loop aborted: %w", err)
	}

	s.cfg.Logger.Debug("waiting for next poll", "interval", s.cfg.Interval)
	st.setDelay(s.ticks)
	return nil
}
