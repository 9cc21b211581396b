package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrJobNotFound = stderrors.New("job not found")
	ErrJobExists   = stderrors.New("job already registered")
	ErrJobRunning  = stderrors.New("job is already running")
	ErrNotRunning  = stderrors.New("scheduler is not running")
)

// Job defines anything the scheduler can run. Adapter runners are jobs.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule says when a job runs. With neither field set the job only runs
// when triggered.
type Schedule struct {
	Interval time.Duration
	Cron     string // standard five field expression
}

func (s Schedule) String() string {
	switch {
	case s.Interval > 0:
		return "every " + s.Interval.String()
	case s.Cron != "":
		return "cron " + s.Cron
	default:
		return "manual"
	}
}

// JobStatus represents the current status of a job
type JobStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run"`
	NextRun      time.Time     `json:"next_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
}

type entry struct {
	job      Job
	schedule Schedule
	cron     cron.Schedule
	cancel   context.CancelFunc
	status   JobStatus
}

// Scheduler runs registered jobs on their schedules. A job never overlaps
// itself: a trigger that arrives while it runs is skipped and counted.
type Scheduler struct {
	bus    events.Publisher
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(bus events.Publisher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		bus:    bus,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		jobs:   make(map[string]*entry),
	}
}

// Register adds a job. Jobs registered on a running scheduler start right
// away.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	e := &entry{job: job, schedule: schedule}
	if schedule.Interval < 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name())
	}
	if schedule.Interval > 0 && schedule.Cron != "" {
		return fmt.Errorf("job %s: set either an interval or a cron expression", job.Name())
	}
	if schedule.Cron != "" {
		parsed, err := cron.ParseStandard(schedule.Cron)
		if err != nil {
			return fmt.Errorf("job %s: invalid cron %q: %w", job.Name(), schedule.Cron, err)
		}
		e.cron = parsed
	}
	e.status = JobStatus{Name: job.Name(), Schedule: schedule.String()}

	s.mu.Lock()
	if _, ok := s.jobs[job.Name()]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name())
	}
	s.jobs[job.Name()] = e
	if s.running {
		s.startLocked(e)
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("job", job.Name()).
		Str("schedule", schedule.String()).
		Msg("Job registered")
	s.publish(events.EventSystemStatus, job.Name(), fmt.Sprintf("Job '%s' registered", job.Name()), map[string]interface{}{
		"job":      job.Name(),
		"schedule": schedule.String(),
		"action":   "registered",
	})
	return nil
}

// Remove stops scheduling a job. A run in progress finishes; only Stop
// cancels it.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(s.jobs, name)
	s.mu.Unlock()

	s.logger.Info().Str("job", name).Msg("Job removed")
	s.publish(events.EventSystemStatus, name, fmt.Sprintf("Job '%s' removed", name), map[string]interface{}{
		"job":    name,
		"action": "removed",
	})
	return nil
}

// Start launches the loops of every scheduled job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.jobs {
		s.startLocked(e)
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info().Int("jobs", count).Msg("Scheduler started")
	s.publish(events.EventSystemStatus, "system", "Scheduler started", map[string]interface{}{
		"jobs":   count,
		"action": "started",
	})
	return nil
}

func (s *Scheduler) startLocked(e *entry) {
	if e.schedule.Interval == 0 && e.cron == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx, e)
}

// Stop cancels every job and waits for running ones until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info().Msg("All jobs stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, some jobs may not have stopped")
		err = ctx.Err()
	}

	s.publish(events.EventSystemStatus, "system", "Scheduler stopped", map[string]interface{}{
		"action": "stopped",
	})
	return err
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerNow starts a job outside its schedule. It returns ErrJobRunning
// when the job is in progress.
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if !s.running {
		return ErrNotRunning
	}
	if !s.claimLocked(e) {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	s.wg.Add(1)
	go s.execute(s.ctx, e)
	return nil
}

// Status returns a snapshot of every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	logger := s.logger.With().Str("job", e.job.Name()).Logger()

	if e.schedule.Interval > 0 {
		// interval jobs run immediately on start
		s.tick(e, s.now().Add(e.schedule.Interval))

		ticker := time.NewTicker(e.schedule.Interval)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				s.tick(e, t.Add(e.schedule.Interval))
			case <-ctx.Done():
				logger.Debug().Msg("Job loop stopped")
				return
			}
		}
	}

	for {
		now := s.now()
		next := e.cron.Next(now)
		s.mu.Lock()
		e.status.NextRun = next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			s.tick(e, time.Time{})
		case <-ctx.Done():
			timer.Stop()
			logger.Debug().Msg("Job loop stopped")
			return
		}
	}
}

// tick starts a run unless one is in progress. Runs use the scheduler
// context, not the loop's, so removing a job does not abort its run.
func (s *Scheduler) tick(e *entry, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.jobs[e.job.Name()] != e {
		return
	}
	if !next.IsZero() {
		e.status.NextRun = next
	}
	if !s.claimLocked(e) {
		s.logger.Warn().Str("job", e.job.Name()).Msg("Job still running, skipping this run")
		return
	}
	s.wg.Add(1)
	go s.execute(s.ctx, e)
}

func (s *Scheduler) claimLocked(e *entry) bool {
	if e.status.Running {
		e.status.Skipped++
		return false
	}
	e.status.Running = true
	return true
}

// execute runs a claimed job once with panic recovery and bookkeeping.
func (s *Scheduler) execute(ctx context.Context, e *entry) {
	defer s.wg.Done()

	name := e.job.Name()
	logger := s.logger.With().Str("job", name).Logger()
	start := s.now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error().Interface("panic", r).Msg("Job panicked during execution")
			s.publish(events.EventSystemError, name, fmt.Sprintf("Job '%s' panicked: %v", name, r), map[string]interface{}{
				"job":        name,
				"panic":      fmt.Sprint(r),
				"error_type": "panic",
			}, "critical")
		}

		duration := s.now().Sub(start)
		s.mu.Lock()
		e.status.Running = false
		e.status.LastRun = start
		e.status.LastDuration = duration
		e.status.Runs++
		e.status.LastError = ""
		if err != nil {
			e.status.Failures++
			e.status.LastError = err.Error()
		}
		s.mu.Unlock()

		logger.Debug().Dur("duration", duration).Msg("Job execution completed")
	}()

	logger.Debug().Msg("Running job")
	if err = e.job.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Job execution completed with error")
		s.publish(events.EventSystemError, name, fmt.Sprintf("Job '%s' error: %v", name, err), map[string]interface{}{
			"job":        name,
			"error":      err.Error(),
			"error_type": "execution_error",
		}, "medium")
	}
}

func (s *Scheduler) publish(t events.EventType, target, description string, data map[string]interface{}, severity ...string) {
	if s.bus == nil {
		return
	}
	sev := "info"
	if len(severity) > 0 {
		sev = severity[0]
	}
	event := events.Event{
		Type:        t,
		Source:      "scheduler",
		Target:      target,
		Severity:    sev,
		Description: description,
		Data:        data,
		Tags:        []string{"scheduler"},
	}
	if err := s.bus.Publish(context.Background(), event); err != nil {
		s.logger.Debug().Err(err).Str("type", string(t)).Msg("Event not published")
	}
}
