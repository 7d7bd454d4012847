package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fluxmind/fluxmind/internal/scheduler"
)

// executionHistoryLimit caps the executions shown for one schedule.
const executionHistoryLimit = 20

// Schedules is the scheduler as seen by the operator routes.
// *scheduler.Scheduler satisfies it.
type Schedules interface {
	ListSchedules() ([]scheduler.Entry, error)
	GetTask(id string) (*scheduler.Task, error)
	TaskExecutions(taskID string, limit int) ([]*scheduler.Execution, error)
	TriggerTask(ctx context.Context, taskID string) (*scheduler.Execution, error)
	CancelSchedule(id string) error
}

// SetSchedules exposes sched under /v1/schedules.
func (s *Server) SetSchedules(sched Schedules) {
	s.schedule = sched
}

// scheduleDetail is the body of GET /v1/schedules/{id}.
type scheduleDetail struct {
	scheduler.Entry
	ConversationID string                 `json:"conversationId,omitempty"`
	Executions     []*scheduler.Execution `json:"executions"`
}

// withSchedules answers 503 when no scheduler is configured.
func (s *Server) withSchedules(w http.ResponseWriter) (Schedules, bool) {
	if s.schedule == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return nil, false
	}
	return s.schedule, true
}

// scheduleError maps scheduler errors to responses.
func (s *Server) scheduleError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, scheduler.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "schedule not found")
		return
	}
	s.logger.Error("schedule request failed", "task_id", id, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "schedule request failed")
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	sched, ok := s.withSchedules(w)
	if !ok {
		return
	}
	entries, err := sched.ListSchedules()
	if err != nil {
		s.scheduleError(w, "", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, entries, s.logger)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.withSchedules(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	task, err := sched.GetTask(id)
	if err != nil {
		s.scheduleError(w, id, err)
		return
	}
	execs, err := sched.TaskExecutions(id, executionHistoryLimit)
	if err != nil {
		s.scheduleError(w, id, err)
		return
	}
	if execs == nil {
		execs = []*scheduler.Execution{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, scheduleDetail{
		Entry:          task.Entry(time.Now()),
		ConversationID: task.Payload.Target,
		Executions:     execs,
	}, s.logger)
}

// handleRunSchedule fires a schedule now, outside its trigger, and
// returns the execution record. The schedule itself is unchanged.
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.withSchedules(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	exec, err := sched.TriggerTask(r.Context(), id)
	if exec == nil {
		s.scheduleError(w, id, err)
		return
	}
	if err != nil {
		s.logger.Warn("manual schedule run failed", "task_id", id, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, exec, s.logger)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.withSchedules(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := sched.CancelSchedule(id); err != nil {
		s.scheduleError(w, id, err)
		return
	}
	s.logger.Info("schedule cancelled", "task_id", id)
	w.WriteHeader(http.StatusNoContent)
}
