// Package trigger runs modules on cron schedules. Each activation issues a
// naked run of the scheduled modules and waits until the dataflow they
// started has settled.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/instruflow/runtime"
)

// Run status values recorded on a Schedule.
const (
	StatusRunning        = "running"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusSkippedOverlap = "skipped_overlap"
)

// Runner is the part of the engine a trigger drives.
type Runner interface {
	RunModuleByName(name string) (*runtime.Task, error)
	WaitAll(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	Runner Runner
	// Timeout bounds one activation, from the first run to WaitAll. Zero
	// means no limit.
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// Schedule is the state of one cron trigger.
type Schedule struct {
	ID         string
	Cron       string
	Modules    []string
	NextRunAt  time.Time
	LastRunAt  *time.Time
	LastStatus string
	LastError  string
	Runs       int
}

type entry struct {
	sched    Schedule
	schedule cron.Schedule
	cronID   cron.EntryID
	active   bool
}

// Scheduler fires module runs on cron schedules. A schedule whose previous
// activation is still running skips the new one.
type Scheduler struct {
	runner  Runner
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	started bool
}

// New creates a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("trigger scheduler runner is nil")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cl := cronLogger{logger: cfg.Logger}
	return &Scheduler{
		runner:  cfg.Runner,
		timeout: cfg.Timeout,
		now:     cfg.Now,
		logger:  cfg.Logger,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(standardParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: map[string]*entry{},
	}, nil
}

// Add registers a schedule running modules on expr. The schedule fires
// once the scheduler is started.
func (s *Scheduler) Add(id, expr string, modules ...string) error {
	if id == "" {
		return errors.New("schedule id is required")
	}
	if len(modules) == 0 {
		return fmt.Errorf("schedule %q: no module to run", id)
	}
	schedule, err := ParseUTC(expr)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[id]; dup {
		return fmt.Errorf("schedule %q already exists", id)
	}
	e := &entry{
		sched: Schedule{
			ID:        id,
			Cron:      expr,
			Modules:   append([]string(nil), modules...),
			NextRunAt: schedule.Next(s.now().UTC()),
		},
		schedule: schedule,
	}
	e.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		_ = s.Fire(context.Background(), id)
	}))
	s.entries[id] = e
	return nil
}

// Remove unregisters a schedule. A running activation completes.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.cron.Remove(e.cronID)
	delete(s.entries, id)
	return true
}

// Schedules returns a snapshot of every schedule, ordered by ID.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop stops firing schedules and waits for running activations, or for
// ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fire runs one activation of the schedule synchronously and records its
// outcome. It returns the run error, or nil for a skipped overlap.
func (s *Scheduler) Fire(ctx context.Context, id string) error {
	now := s.now().UTC()
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("schedule %q not found", id)
	}
	e.sched.NextRunAt = e.schedule.Next(now)
	if e.active {
		e.sched.LastStatus = StatusSkippedOverlap
		e.sched.LastError = "skipped because prior scheduled run is still active"
		s.mu.Unlock()
		s.logger.Warn("schedule overlap skipped", "schedule_id", id)
		return nil
	}
	e.active = true
	e.sched.LastStatus = StatusRunning
	e.sched.LastError = ""
	modules := e.sched.Modules
	s.mu.Unlock()

	s.logger.Info("schedule fired", "schedule_id", id, "modules", modules)
	runErr := s.run(ctx, modules)

	finish := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	e.active = false
	e.sched.LastRunAt = &finish
	e.sched.Runs++
	if runErr != nil {
		e.sched.LastStatus = StatusFailed
		e.sched.LastError = runErr.Error()
		s.logger.Error("scheduled run failed", "schedule_id", id, "error", runErr)
	} else {
		e.sched.LastStatus = StatusCompleted
		s.logger.Info("scheduled run completed", "schedule_id", id, "elapsed", finish.Sub(now))
	}
	return runErr
}

func (s *Scheduler) run(ctx context.Context, modules []string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	var errs []error
	for _, name := range modules {
		if _, err := s.runner.RunModuleByName(name); err != nil {
			errs = append(errs, fmt.Errorf("run %q: %w", name, err))
		}
	}
	if err := s.runner.WaitAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
