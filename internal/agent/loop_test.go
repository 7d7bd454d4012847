package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fluxmind/fluxmind/internal/llm"
	"github.com/fluxmind/fluxmind/internal/memory"
	"github.com/fluxmind/fluxmind/internal/message"
	"github.com/fluxmind/fluxmind/internal/prompts"
	"github.com/fluxmind/fluxmind/internal/tools"
)

// mockLLM replays canned responses and records every request.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, td, nil)
}

func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, td []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := *m.responses[m.callIndex]
	m.callIndex++
	if cb != nil && resp.Message.Content != "" {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return &resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func text(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: content},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolCall(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{
			ID:       id,
			Function: llm.FunctionCall{Name: name, Arguments: args},
		}}},
	}
}

// testRegistry has an auto-executing echo tool, a failing tool, and a
// gated reset tool that counts its runs.
func testRegistry(t *testing.T, resets *atomic.Int32) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	r.Register(&tools.Tool{
		Name:       "echo",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}, "required": []string{"text"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["text"]}, nil
		},
	})
	r.Register(&tools.Tool{
		Name:       "broken",
		Parameters: map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend offline")
		},
	})
	r.Register(&tools.Tool{
		Name:       "resetProgress",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			resets.Add(1)
			return "progress reset for " + tools.ConversationIDFromContext(ctx), nil
		},
	})
	if err := r.RequireConfirmation("resetProgress"); err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestLoop(t *testing.T, mock *mockLLM, maxSteps int) (*Loop, *memory.Store, *atomic.Int32) {
	t.Helper()
	resets := &atomic.Int32{}
	store := memory.NewStore()
	loop := NewLoop(nil, store, mock, testRegistry(t, resets), Config{Model: "test-model", MaxSteps: maxSteps})
	loop.now = func() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) }
	return loop, store, resets
}

func userTurn(id, text string) message.Message {
	m := message.NewUserMessage(text)
	m.ID = id
	return m
}

func TestLoop_PlainAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Try the Feynman technique.")}}
	loop, store, _ := newTestLoop(t, mock, 0)

	var events []llm.StreamEvent
	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv",
		Messages:       []message.Message{userTurn("u1", "how should I study?")},
	}, func(e llm.StreamEvent) { events = append(events, e) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if resp.FinishReason != FinishStop || resp.Steps != 1 {
		t.Errorf("finish = %q steps = %d", resp.FinishReason, resp.Steps)
	}
	if resp.Message.Text() != "Try the Feynman technique." {
		t.Errorf("text = %q", resp.Message.Text())
	}

	call := mock.calls[0]
	if call.Messages[0].Role != "system" || !strings.HasPrefix(call.Messages[0].Content, prompts.StudyAssistant) {
		t.Errorf("first message is not the study system prompt: %+v", call.Messages[0])
	}
	if len(call.Tools) != 3 {
		t.Errorf("tools offered = %d, want 3", len(call.Tools))
	}

	kinds := make([]llm.StreamEventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	if diff := cmp.Diff([]llm.StreamEventKind{llm.KindToken, llm.KindDone}, kinds); diff != "" {
		t.Errorf("event kinds (-want +got):\n%s", diff)
	}

	stored, _ := store.Load("conv")
	if len(stored) != 2 || stored[0].ID != "u1" || stored[1].ID != resp.Message.ID {
		t.Errorf("stored = %v", stored)
	}
}

func TestLoop_AutoToolThenAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("call_1", "echo", map[string]any{"text": "hi"}),
		text("The tool said hi."),
	}}
	loop, _, _ := newTestLoop(t, mock, 0)

	var done []llm.StreamEvent
	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv",
		Messages:       []message.Message{userTurn("u1", "echo hi")},
	}, func(e llm.StreamEvent) {
		if e.Kind == llm.KindToolCallDone {
			done = append(done, e)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	invs := resp.Message.ToolInvocations()
	if len(invs) != 1 || invs[0].State != message.StateOutputAvailable {
		t.Fatalf("invocations = %+v", invs)
	}
	if diff := cmp.Diff(map[string]any{"echo": "hi"}, invs[0].Output); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
	if len(done) != 1 || done[0].ToolResult != `{"echo":"hi"}` || done[0].ToolCallID != "call_1" {
		t.Errorf("tool done events = %+v", done)
	}

	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" || last.Content != `{"echo":"hi"}` {
		t.Errorf("second call did not end with the tool result: %+v", last)
	}
	if resp.Steps != 2 || resp.FinishReason != FinishStop {
		t.Errorf("steps = %d finish = %q", resp.Steps, resp.FinishReason)
	}
}

func TestLoop_ToolFailureContained(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("call_1", "broken", nil),
		toolCall("call_2", "echo", map[string]any{}),
		toolCall("call_3", "missing", nil),
		text("Sorry, something went wrong."),
	}}
	loop, _, _ := newTestLoop(t, mock, 0)

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv",
		Messages:       []message.Message{userTurn("u1", "go")},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	invs := resp.Message.ToolInvocations()
	if len(invs) != 3 {
		t.Fatalf("invocations = %d, want 3", len(invs))
	}
	wants := []string{"backend offline", "text is required", "not available"}
	for i, inv := range invs {
		if inv.State != message.StateOutputError {
			t.Errorf("invocation %d state = %s", i, inv.State)
		}
		out, _ := inv.Output.(string)
		if !strings.HasPrefix(out, "Error executing tool ") || !strings.Contains(out, wants[i]) {
			t.Errorf("invocation %d output = %q, want mention of %q", i, out, wants[i])
		}
	}
}

func TestLoop_ConfirmationRoundTrip(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("call_r", "resetProgress", nil),
		text("Your progress has been reset."),
	}}
	loop, store, resets := newTestLoop(t, mock, 0)
	ctx := context.Background()

	first, err := loop.Run(ctx, &Request{
		ConversationID: "conv",
		Messages:       []message.Message{userTurn("u1", "reset my progress")},
	}, nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.FinishReason != FinishConfirmation {
		t.Fatalf("finish = %q, want %q", first.FinishReason, FinishConfirmation)
	}
	if inv := first.Message.ToolInvocations()[0]; inv.State != message.StateReady {
		t.Fatalf("gated call state = %s, want call-ready", inv.State)
	}
	if resets.Load() != 0 {
		t.Fatal("gated tool ran before confirmation")
	}

	// The client approves and sends the assistant turn back.
	approved := message.Clone(first.Message)
	yes := true
	approved.Parts[0].Tool.Approval = &yes

	second, err := loop.Run(ctx, &Request{ConversationID: "conv", Messages: []message.Message{approved}}, nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if resets.Load() != 1 {
		t.Errorf("resets = %d, want 1", resets.Load())
	}
	if second.Message.Text() != "Your progress has been reset." {
		t.Errorf("second answer = %q", second.Message.Text())
	}

	stored, _ := store.Load("conv")
	if len(stored) != 3 {
		t.Fatalf("stored = %d messages, want 3", len(stored))
	}
	inv := stored[1].ToolInvocations()[0]
	if inv.State != message.StateOutputAvailable || inv.Output != "progress reset for conv" {
		t.Errorf("stored confirmation = %s %v", inv.State, inv.Output)
	}
}

func TestLoop_ConfirmationDenied(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("call_r", "resetProgress", nil),
		text("Okay, I left your progress alone."),
	}}
	loop, _, resets := newTestLoop(t, mock, 0)

	first, err := loop.Run(context.Background(), &Request{ConversationID: "c", Messages: []message.Message{userTurn("u1", "reset")}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	denied := message.Clone(first.Message)
	no := false
	denied.Parts[0].Tool.Approval = &no

	if _, err := loop.Run(context.Background(), &Request{ConversationID: "c", Messages: []message.Message{denied}}, nil); err != nil {
		t.Fatal(err)
	}
	if resets.Load() != 0 {
		t.Error("denied tool ran")
	}
	msgs := mock.calls[1].Messages
	if got := msgs[len(msgs)-1]; got.Role != "tool" || !strings.Contains(got.Content, "denied") {
		t.Errorf("model did not see the denial: %+v", got)
	}
}

func TestLoop_MaxSteps(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("a", "echo", map[string]any{"text": "1"}),
		toolCall("b", "echo", map[string]any{"text": "2"}),
		toolCall("c", "echo", map[string]any{"text": "3"}),
	}}
	loop, _, _ := newTestLoop(t, mock, 2)

	resp, err := loop.Run(context.Background(), &Request{Messages: []message.Message{userTurn("u1", "loop")}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mock.calls) != 2 || resp.FinishReason != FinishMaxSteps {
		t.Errorf("calls = %d finish = %q", len(mock.calls), resp.FinishReason)
	}
}

func TestLoop_EmptyResponseNudge(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("a", "echo", map[string]any{"text": "x"}),
		text(""),
		text("Here is what I found."),
	}}
	loop, _, _ := newTestLoop(t, mock, 0)

	resp, err := loop.Run(context.Background(), &Request{Messages: []message.Message{userTurn("u1", "hi")}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(mock.calls))
	}
	third := mock.calls[2].Messages
	if got := third[len(third)-1]; got.Role != "user" || got.Content != prompts.EmptyResponseNudge {
		t.Errorf("nudge not sent: %+v", got)
	}
	if resp.Message.Text() != "Here is what I found." {
		t.Errorf("text = %q", resp.Message.Text())
	}
}

func TestLoop_EmptyResponseFallback(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("a", "echo", map[string]any{"text": "x"}),
		text(""),
		text(""),
	}}
	loop, _, _ := newTestLoop(t, mock, 0)

	resp, err := loop.Run(context.Background(), &Request{Messages: []message.Message{userTurn("u1", "hi")}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Message.Text() != prompts.EmptyResponseFallback {
		t.Errorf("text = %q, want fallback", resp.Message.Text())
	}
}

func TestLoop_InferenceErrorNotPersisted(t *testing.T) {
	mock := &mockLLM{err: errors.New("connection refused")}
	loop, store, _ := newTestLoop(t, mock, 0)

	_, err := loop.Run(context.Background(), &Request{ConversationID: "c", Messages: []message.Message{userTurn("u1", "hi")}}, nil)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	if stored, _ := store.Load("c"); len(stored) != 0 {
		t.Errorf("stored %d messages after a failed cycle", len(stored))
	}
}

func TestLoop_CancelledNotPersisted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mock := &mockLLM{responses: []*llm.ChatResponse{text("partial")}}
	loop, store, _ := newTestLoop(t, mock, 0)

	_, err := loop.Run(ctx, &Request{ConversationID: "c", Messages: []message.Message{userTurn("u1", "hi")}}, func(e llm.StreamEvent) {
		if e.Kind == llm.KindToken {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stored, _ := store.Load("c"); len(stored) != 0 {
		t.Errorf("stored %d messages after cancellation", len(stored))
	}
}

func TestLoop_DropsInterruptedHistory(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Hello again.")}}
	loop, store, _ := newTestLoop(t, mock, 0)

	interrupted := message.Message{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
		message.NewToolInvocation(message.ToolInvocation{ToolCallID: "x", ToolName: "echo", State: message.StatePendingInput}),
	}}
	if err := store.Save("c", []message.Message{userTurn("u1", "first"), interrupted}); err != nil {
		t.Fatal(err)
	}

	if _, err := loop.Run(context.Background(), &Request{ConversationID: "c", Messages: []message.Message{userTurn("u2", "second")}}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var roles []string
	for _, m := range mock.calls[0].Messages {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]string{"system", "user", "user"}, roles); diff != "" {
		t.Errorf("submitted roles (-want +got):\n%s", diff)
	}
}

func TestLoop_MalformedHistory(t *testing.T) {
	loop, _, _ := newTestLoop(t, &mockLLM{}, 0)
	bad := message.Message{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
		message.NewToolInvocation(message.ToolInvocation{ToolCallID: "x", ToolName: "echo", State: "exploded"}),
	}}
	if _, err := loop.Run(context.Background(), &Request{Messages: []message.Message{bad}}, nil); err == nil {
		t.Fatal("expected malformed history error")
	}
}

// blockingLLM counts concurrent calls per conversation marker.
type blockingLLM struct {
	mu      sync.Mutex
	active  map[string]int
	maxSeen map[string]int
	release chan struct{}
}

func (b *blockingLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return b.ChatStream(ctx, model, msgs, td, nil)
}

func (b *blockingLLM) ChatStream(_ context.Context, _ string, msgs []llm.Message, _ []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	key := msgs[len(msgs)-1].Content
	b.mu.Lock()
	b.active[key]++
	b.maxSeen[key] = max(b.maxSeen[key], b.active[key])
	b.mu.Unlock()

	<-b.release

	b.mu.Lock()
	b.active[key]--
	b.mu.Unlock()
	return text("ok"), nil
}

func (b *blockingLLM) Ping(context.Context) error { return nil }

func TestLoop_SerializesPerConversation(t *testing.T) {
	b := &blockingLLM{active: map[string]int{}, maxSeen: map[string]int{}, release: make(chan struct{})}
	loop := NewLoop(nil, memory.NewStore(), b, nil, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		for _, conv := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = loop.Run(context.Background(), &Request{
					ConversationID: conv,
					Messages:       []message.Message{message.NewUserMessage(conv)},
				}, nil)
			}()
		}
	}

	// Both conversations reach the model while neither has finished.
	deadline := time.After(5 * time.Second)
	for {
		b.mu.Lock()
		both := b.active["a"] == 1 && b.active["b"] == 1
		b.mu.Unlock()
		if both {
			break
		}
		select {
		case <-deadline:
			t.Fatal("conversations did not run in parallel")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(b.release)
	wg.Wait()

	if b.maxSeen["a"] != 1 || b.maxSeen["b"] != 1 {
		t.Errorf("max concurrent cycles = %v, want 1 per conversation", b.maxSeen)
	}
	if n := loop.locks.len(); n != 0 {
		t.Errorf("lock entries left = %d", n)
	}
}

func TestLoop_Reset(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("hi")}}
	loop, _, _ := newTestLoop(t, mock, 0)
	if _, err := loop.Run(context.Background(), &Request{ConversationID: "c", Messages: []message.Message{userTurn("u", "hi")}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := loop.Reset("c"); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := loop.History("c"); len(msgs) != 0 {
		t.Errorf("history after reset = %d messages", len(msgs))
	}
}
