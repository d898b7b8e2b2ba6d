package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/postern/internal/events"
)

// stateNamespace holds last-run times in the operational state store.
const stateNamespace = "scheduler"

// StateStore persists last-run times. store.DB implements it.
type StateStore interface {
	State(namespace, key string) (string, error)
	SetState(namespace, key, value string) error
}

// Scheduler fires jobs on their intervals.
type Scheduler struct {
	logger *slog.Logger
	state  StateStore
	bus    *events.Bus
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]Job
	timers  map[string]*time.Timer
	history map[string][]*Execution
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. state may be nil, in which case every job
// runs as soon as the scheduler starts.
func New(logger *slog.Logger, state StateStore) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger,
		state:   state,
		now:     time.Now,
		jobs:    make(map[string]Job),
		timers:  make(map[string]*time.Timer),
		history: make(map[string][]*Execution),
	}
}

// SetEventBus publishes task_fired and task_complete events to b.
func (s *Scheduler) SetEventBus(b *events.Bus) { s.bus = b }

// Add registers a job. Jobs added after Start are scheduled at once.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" {
		return errors.New("job name is required")
	}
	if j.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run function is required", j.Name)
	}

	s.mu.Lock()
	if _, exists := s.jobs[j.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", j.Name)
	}
	s.jobs[j.Name] = j
	running := s.running
	s.mu.Unlock()

	if running {
		s.schedule(j)
	}
	return nil
}

// Start schedules every registered job. It returns immediately; jobs
// run until Stop or until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.schedule(j)
	}
	s.logger.Debug("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop cancels pending timers and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger runs the named job now, outside its schedule. The regular
// cadence is not affected.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Execution, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %s not found", name)
	}
	return s.execute(ctx, j, s.now())
}

// Executions returns the recent executions of a job, newest first.
func (s *Scheduler) Executions(name string) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[name]
	out := make([]Execution, len(h))
	for i, e := range h {
		out[len(h)-1-i] = *e
	}
	return out
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	return map[string]any{
		"running":       s.running,
		"jobs":          names,
		"active_timers": len(s.timers),
	}
}

// schedule sets a timer for the job's next run.
func (s *Scheduler) schedule(j Job) {
	now := s.now()
	next := j.NextRun(s.lastRun(j.Name), now)
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, exists := s.timers[j.Name]; exists {
		timer.Stop()
	}
	s.timers[j.Name] = time.AfterFunc(delay, func() {
		s.onFire(j.Name, next)
	})

	s.logger.Debug("job scheduled", "job", j.Name, "next", next, "delay", delay)
}

// onFire runs a job whose timer fired and reschedules it.
func (s *Scheduler) onFire(name string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	j := s.jobs[name]
	delete(s.timers, name)
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if _, err := s.execute(ctx, j, scheduledAt); err != nil {
		s.logger.Error("job execution failed", "job", name, "error", err)
	}
	s.schedule(j)
}

// execute runs a job and records the execution.
func (s *Scheduler) execute(ctx context.Context, j Job, scheduledAt time.Time) (*Execution, error) {
	exec := &Execution{
		ID:          NewID(),
		Job:         j.Name,
		ScheduledAt: scheduledAt,
		StartedAt:   s.now(),
	}

	s.bus.Publish(events.Event{
		Timestamp: exec.StartedAt,
		Source:    events.SourceScheduler,
		Kind:      events.KindTaskFired,
		Data:      map[string]any{"job": j.Name},
	})
	s.logger.Debug("executing job", "job", j.Name, "execution_id", exec.ID)

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	runErr := j.Run(runCtx)
	cancel()

	exec.CompletedAt = s.now()
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Result = runErr.Error()
	} else {
		exec.Status = StatusCompleted
	}

	s.recordRun(j.Name, exec)

	s.bus.Publish(events.Event{
		Timestamp: exec.CompletedAt,
		Source:    events.SourceScheduler,
		Kind:      events.KindTaskComplete,
		Data: map[string]any{
			"job":         j.Name,
			"ok":          runErr == nil,
			"duration_ms": exec.CompletedAt.Sub(exec.StartedAt).Milliseconds(),
		},
	})
	s.logger.Info("job execution completed",
		"job", j.Name,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", exec.CompletedAt.Sub(exec.StartedAt),
	)
	return exec, runErr
}

func (s *Scheduler) recordRun(name string, exec *Execution) {
	s.mu.Lock()
	h := append(s.history[name], exec)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	s.history[name] = h
	s.mu.Unlock()

	if s.state == nil {
		return
	}
	if err := s.state.SetState(stateNamespace, name, exec.StartedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn("failed to persist job run time", "job", name, "error", err)
	}
}

// lastRun returns the persisted start time of the job's last run.
func (s *Scheduler) lastRun(name string) time.Time {
	if s.state == nil {
		return time.Time{}
	}
	v, err := s.state.State(stateNamespace, name)
	if err != nil || v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.logger.Warn("corrupt job run time, running now", "job", name, "stored", v)
		return time.Time{}
	}
	return t
}
