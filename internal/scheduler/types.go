// Package scheduler handles future task scheduling and execution.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNotFound is returned when a task ID does not match any schedule.
var ErrNotFound = errors.New("schedule not found")

// Task is the definition of a scheduled action.
type Task struct {
	ID        string    `json:"id"`       // UUIDv7
	Name      string    `json:"name"`     // Callback label, e.g. "executeTask"
	Schedule  Schedule  `json:"schedule"` // When to run
	Payload   Payload   `json:"payload"`  // What to do
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"` // Conversation that created it
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`       // For "at" and "delay"
	Delay    *Duration    `json:"delay,omitempty"`    // For "delay", as requested
	Cron     string       `json:"cron,omitempty"`     // For "cron"
	Timezone string       `json:"timezone,omitempty"` // IANA timezone for "cron"
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // One-shot at specific time
	ScheduleDelay ScheduleKind = "delay" // One-shot after a delay
	ScheduleCron  ScheduleKind = "cron"  // Cron expression
)

// AtTime returns a one-shot schedule for t.
func AtTime(t time.Time) Schedule {
	return Schedule{Kind: ScheduleAt, At: &t}
}

// After returns a one-shot schedule that fires d from now.
func After(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleDelay, Delay: &Duration{Duration: d}}
}

// CronExpr returns a recurring schedule for a standard five-field cron
// expression.
func CronExpr(expr string) Schedule {
	return Schedule{Kind: ScheduleCron, Cron: expr}
}

// Validate checks that the schedule is well formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil || s.At.IsZero() {
			return errors.New("at schedule requires a time")
		}
	case ScheduleDelay:
		if s.Delay == nil && s.At == nil {
			return errors.New("delay schedule requires a delay")
		}
		if s.Delay != nil && s.Delay.Duration < 0 {
			return fmt.Errorf("delay must not be negative, got %s", s.Delay.Duration)
		}
	case ScheduleCron:
		if _, err := s.cronSchedule(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// cronSchedule parses the cron expression, honouring Timezone.
func (s Schedule) cronSchedule() (cron.Schedule, error) {
	if s.Cron == "" {
		return nil, errors.New("cron schedule requires an expression")
	}
	expr := s.Cron
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
		expr = "CRON_TZ=" + s.Timezone + " " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	return sched, nil
}

// Input returns the schedule's trigger in the form it was requested:
// a timestamp, a delay in seconds, or a cron expression.
func (s Schedule) Input() string {
	switch s.Kind {
	case ScheduleAt:
		if s.At != nil {
			return s.At.Format(time.RFC3339)
		}
	case ScheduleDelay:
		if s.Delay != nil {
			return fmt.Sprintf("%d", int64(s.Delay.Seconds()))
		}
	case ScheduleCron:
		return s.Cron
	}
	return ""
}

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Payload defines what action to take when a task fires.
type Payload struct {
	Kind   PayloadKind    `json:"kind"`
	Target string         `json:"target,omitempty"` // Conversation ID
	Data   map[string]any `json:"data,omitempty"`   // Kind-specific data
}

// PayloadKind identifies the payload type.
type PayloadKind string

const (
	// PayloadStudySession resumes a conversation with a reminder. Data
	// carries "description".
	PayloadStudySession PayloadKind = "study_session"
)

// Description returns the payload's "description" value, if any.
func (p Payload) Description() string {
	d, _ := p.Data["description"].(string)
	return d
}

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`           // UUIDv7
	TaskID      string          `json:"task_id"`      // FK to Task
	ScheduledAt time.Time       `json:"scheduled_at"` // When it was supposed to run
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Output or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // Missed window, chose not to catch up
)

// Entry describes a live schedule for listing to users and the model.
type Entry struct {
	ID          string       `json:"id"`
	Callback    string       `json:"callback"`
	Type        ScheduleKind `json:"type"`
	Input       string       `json:"input"`
	Description string       `json:"description,omitempty"`
	NextRun     *time.Time   `json:"nextRun,omitempty"`
}

// OneShot reports whether the task fires at most once.
func (t *Task) OneShot() bool {
	return t.Schedule.Kind == ScheduleAt || t.Schedule.Kind == ScheduleDelay
}

// NextRun calculates the next execution time for a task.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt, ScheduleDelay:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false // One-shot already passed

	case ScheduleCron:
		sched, err := t.Schedule.cronSchedule()
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(after)
		return next, !next.IsZero()

	default:
		return time.Time{}, false
	}
}

// Entry returns the listing form of t.
func (t *Task) Entry(now time.Time) Entry {
	e := Entry{
		ID:          t.ID,
		Callback:    t.Name,
		Type:        t.Schedule.Kind,
		Input:       t.Schedule.Input(),
		Description: t.Payload.Description(),
	}
	if next, ok := t.NextRun(now); ok {
		e.NextRun = &next
	}
	return e
}
