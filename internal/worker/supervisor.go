package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/syphar/crates.io/internal/metrics"
)

// Service is something the Supervisor can start; *Runner[C] implements it.
type Service interface {
	Start(ctx context.Context) (*Handle, error)
}

// BuildFunc constructs the collaborators and the runner from scratch. The
// returned cleanup (may be nil) releases them and is called once the runner
// has stopped or failed.
type BuildFunc func(ctx context.Context) (svc Service, cleanup func(), err error)

// State is the supervisor's externally visible state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateReadOnly
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateReadOnly:
		return "read_only"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SupervisorConfig controls restart and read-only behavior.
type SupervisorConfig struct {
	// MaxFailures is the number of runner failures tolerated. One more is fatal.
	MaxFailures int

	// RetryDelay is the pause before rebuilding after a failure.
	RetryDelay time.Duration

	// ReadOnly makes the supervisor park instead of starting the runner.
	ReadOnly bool

	// ReadOnlyWarnInterval is how often the parked supervisor logs a warning.
	ReadOnlyWarnInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Supervisor builds and runs the runner, rebuilding it after failures up
// to a ceiling.
type Supervisor struct {
	build BuildFunc
	cfg   SupervisorConfig
	state atomic.Int32
}

// NewSupervisor creates a Supervisor around build.
func NewSupervisor(build BuildFunc, cfg SupervisorConfig) *Supervisor {
	if cfg.MaxFailures < 0 {
		cfg.MaxFailures = 0
	}
	if cfg.ReadOnlyWarnInterval <= 0 {
		cfg.ReadOnlyWarnInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{build: build, cfg: cfg}
}

// State returns the current state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) { s.state.Store(int32(st)) }

// Run blocks until ctx is cancelled (nil) or the runner failed more than
// MaxFailures times (an error wrapping ErrTooManyFailures and the last
// failure). A clean shutdown is terminal.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.ReadOnly {
		return s.park(ctx)
	}

	failures := 0
	for {
		err := s.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			s.setState(StateStopped)
			s.cfg.Logger.Info("runner shut down")
			return nil
		}

		failures++
		s.cfg.Logger.Error("runner failed", "error", err, "failures", failures, "max_failures", s.cfg.MaxFailures)
		if failures > s.cfg.MaxFailures {
			s.setState(StateFailed)
			return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, failures, err)
		}

		s.setState(StateRestarting)
		s.cfg.Metrics.SupervisorRestart()
		if s.cfg.RetryDelay > 0 && !sleep(ctx, s.cfg.RetryDelay) {
			s.setState(StateStopped)
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	svc, cleanup, err := s.build(ctx)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	h, err := svc.Start(ctx)
	if err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	s.setState(StateRunning)
	if err := h.WaitForShutdown(); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	return nil
}

// park waits for shutdown without starting the runner, since claims cannot
// be recorded against a read-only database.
func (s *Supervisor) park(ctx context.Context) error {
	s.setState(StateReadOnly)
	ticker := time.NewTicker(s.cfg.ReadOnlyWarnInterval)
	defer ticker.Stop()

	for {
		s.cfg.Logger.Warn("all database connections are read-only; background jobs will not run")
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return nil
		case <-ticker.C:
		}
	}
}
