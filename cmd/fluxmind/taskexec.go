package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fluxmind/fluxmind/internal/agent"
	"github.com/fluxmind/fluxmind/internal/llm"
	"github.com/fluxmind/fluxmind/internal/message"
	"github.com/fluxmind/fluxmind/internal/mqtt"
	"github.com/fluxmind/fluxmind/internal/prompts"
	"github.com/fluxmind/fluxmind/internal/scheduler"
	"github.com/fluxmind/fluxmind/internal/tools"
)

// fallbackConversation receives scheduled turns whose task does not name
// a conversation.
const fallbackConversation = tools.DefaultConversation

// agentRunner abstracts the agent loop for task execution testing.
type agentRunner interface {
	Run(ctx context.Context, req *agent.Request, stream llm.StreamCallback) (*agent.Response, error)
}

// reminderNotifier abstracts the MQTT notifier. Implemented by
// *mqtt.Notifier.
type reminderNotifier interface {
	Notify(ctx context.Context, r mqtt.Reminder) error
}

// taskExecDeps holds the dependencies of the scheduled task executor.
type taskExecDeps struct {
	runner   agentRunner
	notifier reminderNotifier // nil when MQTT is not configured
	logger   *slog.Logger
}

// runScheduledTask fires a study session: it appends a "Running
// scheduled task" user turn to the conversation that scheduled it and
// lets the assistant answer. Tasks with other callbacks or payload kinds
// are logged and ignored.
func runScheduledTask(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution, deps *taskExecDeps) error {
	deps.logger.Debug("task executing",
		"task_id", task.ID,
		"task_name", task.Name,
		"payload_kind", task.Payload.Kind,
	)

	if task.Name != tools.ScheduledTaskName || task.Payload.Kind != scheduler.PayloadStudySession {
		deps.logger.Warn("unsupported scheduled task", "task_name", task.Name, "kind", task.Payload.Kind)
		return nil
	}
	if deps.runner == nil {
		return fmt.Errorf("scheduled task %s: agent not ready", task.ID)
	}

	convID := task.Payload.Target
	if convID == "" {
		convID = fallbackConversation
	}
	description := task.Payload.Description()

	turn := message.NewUserMessage(fmt.Sprintf(prompts.ScheduledTaskTurn, description))
	turn.Metadata.Extra = map[string]any{"source": "scheduler", "task_id": task.ID}

	resp, err := deps.runner.Run(ctx, &agent.Request{
		ConversationID: convID,
		Messages:       []message.Message{turn},
	}, nil)
	if err != nil {
		return fmt.Errorf("scheduled task %s: %w", task.ID, err)
	}
	reply := resp.Message.Text()
	exec.Result = reply

	if deps.notifier != nil {
		if err := deps.notifier.Notify(ctx, mqtt.Reminder{
			SessionID:      task.ID,
			ConversationID: convID,
			Description:    description,
			FiredAt:        exec.ScheduledAt,
			Reply:          reply,
		}); err != nil {
			// The turn is already stored; a missed notification is not a
			// failed execution.
			deps.logger.Warn("study session notification failed", "task_id", task.ID, "error", err)
		}
	}

	deps.logger.Info("study session fired",
		"task_id", task.ID,
		"conversation_id", convID,
		"reply_len", len(reply),
	)
	return nil
}
