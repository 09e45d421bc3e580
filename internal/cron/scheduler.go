// Package cron emits periodic system.snapshot envelopes on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-fleet/internal/events"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as @hourly or @every 5m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Emitter records one snapshot envelope per known project.
type Emitter interface {
	EmitSnapshot(ctx context.Context) ([]events.Envelope, error)
}

// Config holds the dependencies for the snapshot scheduler.
type Config struct {
	Emitter Emitter
	Logger  *slog.Logger
	// Schedule is a cron expression; empty disables emission.
	Schedule string
	// Timeout bounds one emission; defaults to 10s.
	Timeout time.Duration
}

// Scheduler runs snapshot emission on its cron schedule.
type Scheduler struct {
	emitter Emitter
	logger  *slog.Logger
	timeout time.Duration
	cron    *cronlib.Cron

	mu       sync.Mutex
	ctx      context.Context
	schedule string
	entry    cronlib.EntryID
	fired    int
}

// NewScheduler validates cfg.Schedule and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("cron: emitter is required")
	}
	if err := Validate(cfg.Schedule); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Scheduler{
		emitter:  cfg.Emitter,
		logger:   logger,
		timeout:  timeout,
		cron:     cronlib.New(cronlib.WithParser(cronParser)),
		schedule: strings.TrimSpace(cfg.Schedule),
	}, nil
}

// Validate reports whether expr is empty or a parseable schedule.
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("cron: invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Start begins emitting on the configured schedule until ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	if err := s.addLocked(s.schedule); err != nil {
		s.logger.Error("cron: schedule rejected", "schedule", s.schedule, "error", err)
	}
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "schedule", s.schedule)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the scheduler and waits for a running emission to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Reschedule swaps the active schedule. An empty expression disables
// emission; an invalid one leaves the current schedule in place.
func (s *Scheduler) Reschedule(expr string) error {
	if err := Validate(expr); err != nil {
		return err
	}
	expr = strings.TrimSpace(expr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if expr == s.schedule {
		return nil
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.schedule = expr
	if s.ctx == nil {
		return nil
	}
	if err := s.addLocked(expr); err != nil {
		return err
	}
	s.logger.Info("cron: snapshot schedule changed", "schedule", expr)
	return nil
}

func (s *Scheduler) addLocked(expr string) error {
	if expr == "" {
		return nil
	}
	id, err := s.cron.AddFunc(expr, s.fire)
	if err != nil {
		return err
	}
	s.entry = id
	return nil
}

// Fired is the number of completed emissions.
func (s *Scheduler) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	envs, err := s.emitter.EmitSnapshot(ctx)
	if err != nil {
		s.logger.Error("cron: snapshot emission failed", "error", err)
		return
	}
	s.mu.Lock()
	s.fired++
	s.mu.Unlock()
	s.logger.Info("cron: snapshot emitted", "projects", len(envs))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
