package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ExecuteFunc is called when a task fires.
type ExecuteFunc func(ctx context.Context, task *Task, execution *Execution) error

// catchUpWindow bounds how late a missed one-shot task may still run.
const catchUpWindow = 24 * time.Hour

// executionTimeout bounds a single timer-driven execution.
const executionTimeout = 5 * time.Minute

// Scheduler manages task scheduling and execution.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc
	now     func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	wg      sync.WaitGroup
}

// New creates a new scheduler. execute may be nil, in which case
// firing only records an execution.
func New(logger *slog.Logger, store *Store, execute ExecuteFunc) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		logger:  logger,
		store:   store,
		execute: execute,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads enabled tasks and arms their timers. One-shot tasks that
// came due while the process was down are caught up in the background;
// Stop waits for them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	var missed []*Task
	for _, task := range tasks {
		if _, ok := task.NextRun(s.now()); ok {
			s.scheduleTask(task)
			continue
		}
		if task.OneShot() {
			missed = append(missed, task)
		}
	}
	if len(missed) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for _, task := range missed {
				s.catchUp(ctx, task)
			}
		}()
	}

	s.logger.Info("scheduler started", "tasks", len(tasks))
	return nil
}

// Stop cancels all timers and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Schedule registers a task named name that fires per sched and carries
// payload. Delays are resolved to an absolute time at call time. It
// returns the new task's ID.
func (s *Scheduler) Schedule(sched Schedule, name string, payload Payload) (string, error) {
	if sched.Kind == ScheduleDelay && sched.Delay != nil {
		at := s.now().Add(sched.Delay.Duration)
		sched.At = &at
	}
	if err := sched.Validate(); err != nil {
		return "", err
	}

	task := &Task{
		Name:      name,
		Schedule:  sched,
		Payload:   payload,
		Enabled:   true,
		CreatedBy: payload.Target,
	}
	if err := s.CreateTask(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// ListSchedules returns every live schedule, oldest first.
func (s *Scheduler) ListSchedules() ([]Entry, error) {
	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return nil, err
	}
	now := s.now()
	entries := make([]Entry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, t.Entry(now))
	}
	return entries, nil
}

// CancelSchedule removes the schedule with the given ID. It returns an
// error wrapping [ErrNotFound] when no such schedule exists.
func (s *Scheduler) CancelSchedule(id string) error {
	return s.DeleteTask(id)
}

// CreateTask adds a new task and schedules it.
func (s *Scheduler) CreateTask(task *Task) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}

	if task.Enabled {
		s.scheduleTask(task)
	}

	s.logger.Info("task created",
		"id", task.ID,
		"name", task.Name,
		"schedule", task.Schedule.Kind,
		"conversation_id", task.Payload.Target,
	)
	return nil
}

// DeleteTask removes a task.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)

	if err := s.store.DeleteTask(id); err != nil {
		return err
	}

	s.logger.Info("task deleted", "id", id)
	return nil
}

func (s *Scheduler) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// GetTask retrieves a task by ID.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	return s.store.GetTask(id)
}

// TaskExecutions returns execution history for a task.
func (s *Scheduler) TaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// TriggerTask immediately executes a task, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, s.now())
}

// scheduleTask sets up a timer for the next execution. A one-shot task
// that is already due fires immediately.
func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(s.now())
	if !ok && task.OneShot() && task.Schedule.At != nil {
		next, ok = *task.Schedule.At, true
	}
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		return
	}

	delay := max(next.Sub(s.now()), 0)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}

	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.onTaskFire(id, next)
	})

	s.logger.Debug("task scheduled",
		"id", task.ID,
		"name", task.Name,
		"next", next,
		"delay", delay,
	)
}

// onTaskFire is called when a task's timer fires.
func (s *Scheduler) onTaskFire(taskID string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	task, err := s.store.GetTask(taskID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("failed to get task for execution", "id", taskID, "error", err)
		}
		return
	}
	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), executionTimeout)
	defer cancel()

	if _, err := s.executeTask(ctx, task, scheduledAt); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	if task.OneShot() {
		s.retire(task)
		return
	}
	s.scheduleTask(task)
}

// retire disables a one-shot task once it has fired so it no longer
// shows up as a live schedule.
func (s *Scheduler) retire(task *Task) {
	task.Enabled = false
	if err := s.store.UpdateTask(task); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("failed to retire one-shot task", "id", task.ID, "error", err)
	}
}

// executeTask runs a task and records the execution.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	started := s.now()
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("executing task",
		"task_id", task.ID,
		"task_name", task.Name,
		"execution_id", exec.ID,
	)

	var execErr error
	if s.execute != nil {
		execErr = s.execute(ctx, task, exec)
	}

	completed := s.now()
	exec.CompletedAt = &completed
	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		if exec.Result == "" {
			exec.Result = "success"
		}
	}

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", completed.Sub(started),
	)

	return exec, execErr
}

// catchUp handles a one-shot task whose time passed while the scheduler
// was not running. Tasks overdue by more than catchUpWindow are skipped.
func (s *Scheduler) catchUp(ctx context.Context, task *Task) {
	if task.Schedule.At == nil {
		s.retire(task)
		return
	}
	due := *task.Schedule.At

	if s.now().Sub(due) > catchUpWindow {
		exec := &Execution{
			TaskID:      task.ID,
			ScheduledAt: due,
			Status:      StatusSkipped,
			Result:      "missed execution window (>24h)",
		}
		if err := s.store.CreateExecution(exec); err != nil {
			s.logger.Error("failed to record skipped execution", "id", task.ID, "error", err)
		}
		s.logger.Info("skipped stale task", "id", task.ID, "scheduled", due)
		s.retire(task)
		return
	}

	s.logger.Info("catching up missed task", "id", task.ID, "name", task.Name, "scheduled", due)
	if _, err := s.executeTask(ctx, task, due); err != nil {
		s.logger.Error("catch-up execution failed", "id", task.ID, "error", err)
	}
	s.retire(task)
}
