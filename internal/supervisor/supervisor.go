// Package supervisor keeps a watcher connected, starting a fresh session
// after the previous one ends.
package supervisor

import (
	"context"
	"log/slog"
	"time"
)

// Runner is the part of a watcher the supervisor drives.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// Supervisor restarts a Runner until its context is cancelled.
type Supervisor struct {
	runner      Runner
	interval    time.Duration
	stopTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Supervisor that waits interval between sessions.
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		runner:      runner,
		interval:    interval,
		stopTimeout: 30 * time.Second,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled, then stops the runner and waits for
// in-flight work.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("starting supervisor", "reconnect_interval", s.interval)

	for attempt := 1; ; attempt++ {
		if err := s.runner.Start(ctx); err != nil {
			s.logger.Error("start failed", "attempt", attempt, "error", err)
		} else {
			attempt = 0
			select {
			case <-ctx.Done():
				s.stop()
				s.logger.Info("supervisor stopped")
				return
			case <-s.runner.Done():
				s.logger.Warn("session ended", "reconnect_in", s.interval)
			}
		}
		// Drain the ended session before starting the next one.
		s.stop()

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("supervisor stopped")
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := s.runner.Stop(ctx); err != nil {
		s.logger.Warn("stop failed", "error", err)
	}
}
