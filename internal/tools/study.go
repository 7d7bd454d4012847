package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/fluxmind/fluxmind/internal/scheduler"
)

// ScheduledTaskName is the callback name recorded on study-session
// schedules. The task executor dispatches on it.
const ScheduledTaskName = "executeTask"

// NoSessionsMessage is returned when there is nothing scheduled.
const NoSessionsMessage = "No scheduled study sessions found. Would you like to schedule one?"

// Scheduler is the subset of the task scheduler the study tools use.
type Scheduler interface {
	Schedule(sched scheduler.Schedule, name string, payload scheduler.Payload) (string, error)
	ListSchedules() ([]scheduler.Entry, error)
	CancelSchedule(id string) error
}

// StudyTools implements the study assistant's tool handlers.
type StudyTools struct {
	scheduler Scheduler
	logger    *slog.Logger

	now  func() time.Time
	pick func(n int) int
}

// NewStudyTools creates the study tool handlers. sched may be nil, in
// which case the scheduling tools report that scheduling is unavailable.
func NewStudyTools(sched Scheduler, logger *slog.Logger) *StudyTools {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StudyTools{
		scheduler: sched,
		logger:    logger,
		now:       time.Now,
		pick:      rand.IntN,
	}
}

// Register adds all six study tools to r.
func (s *StudyTools) Register(r *Registry) {
	r.Register(&Tool{
		Name:        "createFlashcard",
		Description: "Create a flashcard with a question and answer for studying",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic": map[string]any{
					"type":        "string",
					"description": "The topic or subject for the flashcard",
				},
				"question": map[string]any{
					"type":        "string",
					"description": "The question side of the flashcard",
				},
				"answer": map[string]any{
					"type":        "string",
					"description": "The answer side of the flashcard",
				},
			},
			"required": []string{"topic", "question", "answer"},
		},
		Handler: s.createFlashcard,
	})

	r.Register(&Tool{
		Name:        "getStudyTip",
		Description: "Get a helpful study tip for a specific subject or learning goal",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subject": map[string]any{
					"type":        "string",
					"description": "The subject or topic the user is studying",
				},
			},
			"required": []string{"subject"},
		},
		Handler: s.getStudyTip,
	})

	r.Register(&Tool{
		Name:        "generateQuizQuestion",
		Description: "Generate a practice quiz question on a given topic",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic": map[string]any{
					"type":        "string",
					"description": "The topic to create a quiz question about",
				},
				"difficulty": map[string]any{
					"type":        "string",
					"enum":        []string{"easy", "medium", "hard"},
					"description": "The difficulty level",
				},
			},
			"required": []string{"topic", "difficulty"},
		},
		Handler: s.generateQuizQuestion,
	})

	r.Register(&Tool{
		Name:        "scheduleStudySession",
		Description: "Schedule a study session or reminder for later",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{
					"type":        "string",
					"description": "What the study session is about; repeated back when it fires",
				},
				"when": map[string]any{
					"type":        "object",
					"description": "When the session should run",
					"properties": map[string]any{
						"type": map[string]any{
							"type":        "string",
							"enum":        []string{"scheduled", "delayed", "cron", "no-schedule"},
							"description": "scheduled: at a specific date; delayed: after delayInSeconds; cron: recurring; no-schedule: the request had no usable time",
						},
						"date": map[string]any{
							"type":        "string",
							"description": "ISO 8601 date-time, for type scheduled",
						},
						"delayInSeconds": map[string]any{
							"type":        "number",
							"description": "Delay in seconds, for type delayed",
						},
						"cron": map[string]any{
							"type":        "string",
							"description": "Five-field cron expression, for type cron",
						},
					},
					"required": []string{"type"},
				},
			},
			"required": []string{"when", "description"},
		},
		Handler: s.scheduleStudySession,
	})

	r.Register(&Tool{
		Name:        "getScheduledSessions",
		Description: "List all scheduled study sessions and reminders",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: s.getScheduledSessions,
	})

	r.Register(&Tool{
		Name:        "cancelStudySession",
		Description: "Cancel a scheduled study session using its ID",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sessionId": map[string]any{
					"type":        "string",
					"description": "The ID of the study session to cancel",
				},
			},
			"required": []string{"sessionId"},
		},
		Handler: s.cancelStudySession,
	})
}

func (s *StudyTools) timestamp() string {
	return s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func (s *StudyTools) createFlashcard(ctx context.Context, args map[string]any) (any, error) {
	topic, _ := args["topic"].(string)
	question, _ := args["question"].(string)
	answer, _ := args["answer"].(string)

	s.logger.Info("creating flashcard", "topic", topic)
	return map[string]any{
		"type":      "flashcard",
		"topic":     topic,
		"question":  question,
		"answer":    answer,
		"createdAt": s.timestamp(),
	}, nil
}

var studyTips = []string{
	"Try the Feynman Technique - explain the concept as if teaching a child.",
	"Use spaced repetition to review material at increasing intervals.",
	"Create mind maps to visualize connections between concepts.",
	"Practice active recall by testing yourself without looking at notes.",
	"Take breaks using the Pomodoro Technique (25 min work, 5 min break).",
}

func (s *StudyTools) getStudyTip(ctx context.Context, args map[string]any) (any, error) {
	subject, _ := args["subject"].(string)
	return fmt.Sprintf("For %s: %s", subject, studyTips[s.pick(len(studyTips))]), nil
}

func (s *StudyTools) generateQuizQuestion(ctx context.Context, args map[string]any) (any, error) {
	topic, _ := args["topic"].(string)
	difficulty, _ := args["difficulty"].(string)

	s.logger.Info("generating quiz question", "topic", topic, "difficulty", difficulty)
	return map[string]any{
		"type":        "quiz_question",
		"topic":       topic,
		"difficulty":  difficulty,
		"instruction": fmt.Sprintf("Here's a %s question about %s. Think about it carefully before answering!", difficulty, topic),
		"createdAt":   s.timestamp(),
	}, nil
}

var errNoScheduler = errors.New("scheduling is not available")

func (s *StudyTools) scheduleStudySession(ctx context.Context, args map[string]any) (any, error) {
	when, _ := args["when"].(map[string]any)
	description, _ := args["description"].(string)
	kind, _ := when["type"].(string)

	if kind == "no-schedule" {
		return "Not a valid schedule input", nil
	}

	sched, input, err := s.parseWhen(kind, when)
	if err == nil && s.scheduler == nil {
		err = errNoScheduler
	}
	if err == nil {
		_, err = s.scheduler.Schedule(sched, ScheduledTaskName, scheduler.Payload{
			Kind:   scheduler.PayloadStudySession,
			Target: ConversationIDFromContext(ctx),
			Data:   map[string]any{"description": description},
		})
	}
	if err != nil {
		s.logger.Warn("error scheduling study session", "type", kind, "error", err)
		return fmt.Sprintf("Error scheduling study session: %v", err), nil
	}

	return fmt.Sprintf("📚 Study session scheduled for type %q : %s", kind, input), nil
}

// dateLayouts are accepted for "scheduled" dates, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseWhen converts the model's "when" object into a schedule and the
// trigger text echoed back to the user.
func (s *StudyTools) parseWhen(kind string, when map[string]any) (scheduler.Schedule, string, error) {
	switch kind {
	case "scheduled":
		date, _ := when["date"].(string)
		if date == "" {
			return scheduler.Schedule{}, "", errors.New("a date is required for scheduled sessions")
		}
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, date, time.Local); err == nil {
				return scheduler.AtTime(t), date, nil
			}
		}
		return scheduler.Schedule{}, "", fmt.Errorf("cannot parse date %q", date)

	case "delayed":
		secs, ok := toFloat(when["delayInSeconds"])
		if !ok {
			return scheduler.Schedule{}, "", errors.New("delayInSeconds is required for delayed sessions")
		}
		if secs < 0 {
			return scheduler.Schedule{}, "", fmt.Errorf("delayInSeconds must not be negative, got %v", secs)
		}
		return scheduler.After(time.Duration(secs * float64(time.Second))), strconv.FormatFloat(secs, 'f', -1, 64), nil

	case "cron":
		expr, _ := when["cron"].(string)
		if expr == "" {
			return scheduler.Schedule{}, "", errors.New("a cron expression is required for cron sessions")
		}
		return scheduler.CronExpr(expr), expr, nil
	}
	return scheduler.Schedule{}, "", fmt.Errorf("not a valid schedule input: %q", kind)
}

func (s *StudyTools) getScheduledSessions(ctx context.Context, args map[string]any) (any, error) {
	if s.scheduler == nil {
		return fmt.Sprintf("Error listing scheduled sessions: %v", errNoScheduler), nil
	}
	entries, err := s.scheduler.ListSchedules()
	if err != nil {
		s.logger.Warn("error listing scheduled sessions", "error", err)
		return fmt.Sprintf("Error listing scheduled sessions: %v", err), nil
	}
	if len(entries) == 0 {
		return NoSessionsMessage, nil
	}
	return entries, nil
}

func (s *StudyTools) cancelStudySession(ctx context.Context, args map[string]any) (any, error) {
	id, _ := args["sessionId"].(string)

	err := errNoScheduler
	if s.scheduler != nil {
		err = s.scheduler.CancelSchedule(id)
	}
	if err != nil {
		s.logger.Warn("error canceling study session", "session_id", id, "error", err)
		return fmt.Sprintf("Error canceling session %s: %v", id, err), nil
	}
	return fmt.Sprintf("Study session %s has been cancelled.", id), nil
}
