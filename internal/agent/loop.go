// Package agent implements the core agent loop.
//
// A run takes one conversation through a full cycle: the stored
// transcript is merged with the client's messages, prepared by the
// history pipeline, and sent for inference. Tool calls the model makes
// are executed and fed back until the model answers in plain text, a
// gated tool needs the user's confirmation, or the step limit is
// reached. The resulting assistant turn is persisted.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxmind/fluxmind/internal/history"
	"github.com/fluxmind/fluxmind/internal/llm"
	"github.com/fluxmind/fluxmind/internal/memory"
	"github.com/fluxmind/fluxmind/internal/message"
	"github.com/fluxmind/fluxmind/internal/prompts"
	"github.com/fluxmind/fluxmind/internal/tools"
)

// DefaultMaxSteps bounds the inference calls made for one turn.
const DefaultMaxSteps = 10

// Finish reasons reported in [Response].
const (
	FinishStop         = "stop"
	FinishConfirmation = "awaiting_confirmation"
	FinishMaxSteps     = "max_steps"
)

// ErrEmptyConversation is returned when nothing remains to send after
// the history has been prepared.
var ErrEmptyConversation = errors.New("conversation has no messages to answer")

// Request represents an incoming agent request.
type Request struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Messages       []message.Message `json:"messages"`
	Model          string            `json:"model,omitempty"`
}

// Response represents the agent's response.
type Response struct {
	Message      message.Message `json:"message"`
	Model        string          `json:"model"`
	FinishReason string          `json:"finish_reason"`
	Steps        int             `json:"steps"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
}

// Config holds the loop's tunables.
type Config struct {
	Model        string
	SystemPrompt string
	MaxSteps     int
}

// Loop is the core agent execution loop.
type Loop struct {
	logger     *slog.Logger
	store      memory.MessageStore
	llm        llm.Client
	tools      *tools.Registry
	reconciler *history.Reconciler
	model      string
	system     string
	maxSteps   int
	locks      *keyedMutex
	now        func() time.Time
}

// NewLoop creates a new agent loop. Confirmation handlers are taken
// from the registry at construction, so gated tools must be marked
// before calling NewLoop.
func NewLoop(logger *slog.Logger, store memory.MessageStore, client llm.Client, registry *tools.Registry, cfg Config) *Loop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.StudyAssistant
	}
	return &Loop{
		logger:     logger,
		store:      store,
		llm:        client,
		tools:      registry,
		reconciler: history.NewReconciler(registry.Confirmations(), logger),
		model:      cfg.Model,
		system:     cfg.SystemPrompt,
		maxSteps:   cfg.MaxSteps,
		locks:      newKeyedMutex(),
		now:        time.Now,
	}
}

// Run executes one cycle for a conversation. Streaming events are
// delivered to stream when it is non-nil, in the order they happen.
//
// Cycles for the same conversation are serialized. When ctx is
// cancelled the cycle stops and nothing is persisted.
func (l *Loop) Run(ctx context.Context, req *Request, stream llm.StreamCallback) (*Response, error) {
	convID := req.ConversationID
	if convID == "" {
		convID = tools.DefaultConversation
	}
	if stream == nil {
		stream = func(llm.StreamEvent) {}
	}
	model := req.Model
	if model == "" {
		model = l.model
	}

	unlock := l.locks.Lock(convID)
	defer unlock()

	log := l.logger.With("conversation_id", convID)
	log.Info("agent loop started", "messages", len(req.Messages), "model", model)
	start := l.now()

	stored, err := l.store.Load(convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	merged := message.Merge(stored, req.Messages)

	ctx = tools.WithConversationID(ctx, convID)
	prepared, err := l.reconciler.Prepare(ctx, merged)
	if err != nil {
		log.Error("history rejected", "error", err)
		return nil, fmt.Errorf("prepare history: %w", err)
	}
	if len(prepared) == 0 {
		return nil, ErrEmptyConversation
	}
	log.Debug("history prepared", "stored", len(stored), "merged", len(merged), "prepared", len(prepared))

	resp, err := l.infer(ctx, log, model, prepared, stream)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		log.Info("agent loop cancelled, not persisting", "error", err)
		return nil, err
	}

	transcript := prepared
	if len(resp.Message.Parts) > 0 {
		transcript = append(transcript, resp.Message)
	}
	if err := l.store.Save(convID, transcript); err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}

	stream(llm.StreamEvent{Kind: llm.KindDone, Response: &llm.ChatResponse{
		Model:        resp.Model,
		Done:         true,
		FinishReason: resp.FinishReason,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}})

	log.Info("agent loop completed",
		"steps", resp.Steps,
		"finish_reason", resp.FinishReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", l.now().Sub(start),
	)
	return resp, nil
}

// infer runs the inference loop and returns the assistant turn it built.
func (l *Loop) infer(ctx context.Context, log *slog.Logger, model string, prepared []message.Message, stream llm.StreamCallback) (*Response, error) {
	assistant := message.NewAssistantMessage()
	assistant.Metadata.CreatedAt = l.now()
	resp := &Response{Model: model, FinishReason: FinishMaxSteps}
	toolDefs := l.tools.List()

	nudged := false
	ranTools := false
	var nudge []llm.Message

	for step := 0; step < l.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp.Steps = step + 1

		msgs := llm.FromConversation(prompts.SystemPrompt(l.system, l.now()), append(prepared[:len(prepared):len(prepared)], assistant))
		msgs = append(msgs, nudge...)

		log.Debug("calling LLM", "model", model, "step", step, "messages", len(msgs))
		chat, err := l.llm.ChatStream(ctx, model, msgs, toolDefs, func(e llm.StreamEvent) {
			if e.Kind == llm.KindToken {
				stream(e)
			}
		})
		if err != nil {
			log.Error("LLM call failed", "step", step, "error", err)
			return nil, fmt.Errorf("inference: %w", err)
		}
		if chat.Model != "" {
			resp.Model = chat.Model
		}
		resp.InputTokens += chat.InputTokens
		resp.OutputTokens += chat.OutputTokens
		nudge = nil

		if chat.Message.Content != "" {
			assistant.Parts = append(assistant.Parts, message.NewText(chat.Message.Content))
		}

		if len(chat.Message.ToolCalls) == 0 {
			if assistant.Text() == "" && ranTools {
				if !nudged {
					log.Debug("empty response after tool calls, nudging")
					nudged = true
					nudge = []llm.Message{{Role: "user", Content: prompts.EmptyResponseNudge}}
					continue
				}
				assistant.Parts = append(assistant.Parts, message.NewText(prompts.EmptyResponseFallback))
				stream(llm.StreamEvent{Kind: llm.KindToken, Token: prompts.EmptyResponseFallback})
			}
			resp.FinishReason = FinishStop
			break
		}

		ranTools = true
		if l.runToolCalls(ctx, log, &assistant, chat.Message.ToolCalls, stream) {
			resp.FinishReason = FinishConfirmation
			break
		}
	}

	resp.Message = assistant
	return resp, nil
}

// runToolCalls appends one invocation per call to the assistant turn.
// Auto-executing tools run immediately and record their result; gated
// tools are left call-ready. It reports whether any call is waiting
// for confirmation.
func (l *Loop) runToolCalls(ctx context.Context, log *slog.Logger, assistant *message.Message, calls []llm.ToolCall, stream llm.StreamCallback) (awaiting bool) {
	for _, tc := range calls {
		call := tc
		stream(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})

		inv := message.ToolInvocation{
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Input:      tc.Function.Arguments,
		}
		if inv.Input == nil {
			inv.Input = map[string]any{}
		}

		if l.tools.NeedsConfirmation(inv.ToolName) {
			inv.State = message.StateReady
			assistant.Parts = append(assistant.Parts, message.NewToolInvocation(inv))
			log.Info("tool call awaiting confirmation", "tool", inv.ToolName, "tool_call_id", inv.ToolCallID)
			awaiting = true
			continue
		}

		done := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolCallID: inv.ToolCallID, ToolName: inv.ToolName}
		result, err := l.tools.Execute(tools.WithToolCallID(ctx, inv.ToolCallID), inv.ToolName, inv.Input)
		if err != nil {
			inv.State = message.StateOutputError
			inv.Output = fmt.Sprintf("Error executing tool %s: %v", inv.ToolName, err)
			done.ToolError = err.Error()
			log.Warn("tool execution failed", "tool", inv.ToolName, "tool_call_id", inv.ToolCallID, "error", err)
		} else {
			inv.State = message.StateOutputAvailable
			inv.Output = result
			done.ToolResult = encodeResult(result)
			log.Debug("tool executed", "tool", inv.ToolName, "tool_call_id", inv.ToolCallID)
		}
		assistant.Parts = append(assistant.Parts, message.NewToolInvocation(inv))
		stream(done)
	}
	return awaiting
}

func encodeResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// History returns the stored transcript of a conversation.
func (l *Loop) History(conversationID string) ([]message.Message, error) {
	return l.store.Load(conversationID)
}

// Reset clears a conversation. It waits for any running cycle of the
// same conversation to finish first.
func (l *Loop) Reset(conversationID string) error {
	unlock := l.locks.Lock(conversationID)
	defer unlock()
	return l.store.Clear(conversationID)
}

// Conversations lists stored conversations.
func (l *Loop) Conversations() ([]memory.Conversation, error) {
	return l.store.Conversations()
}

// Ping checks that the inference backend is reachable.
func (l *Loop) Ping(ctx context.Context) error {
	return l.llm.Ping(ctx)
}
