package llm

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOllamaWireResponse_BasicChat(t *testing.T) {
	raw := `{
		"model": "llama3.2",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "Photosynthesis turns light into chemical energy."
		},
		"done": true,
		"done_reason": "stop",
		"total_duration": 1234567890,
		"load_duration": 100000000,
		"prompt_eval_count": 42,
		"prompt_eval_duration": 500000000,
		"eval_count": 15,
		"eval_duration": 600000000
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if resp.Model != "llama3.2" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
		t.Errorf("CreatedAt = %v, expected 2026-02", resp.CreatedAt)
	}
	if !resp.Done || resp.FinishReason != "stop" {
		t.Errorf("Done = %v FinishReason = %q", resp.Done, resp.FinishReason)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration != 1234567890*time.Nanosecond {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
	if resp.LoadDuration != 100*time.Millisecond || resp.EvalDuration != 600*time.Millisecond {
		t.Errorf("LoadDuration = %v EvalDuration = %v", resp.LoadDuration, resp.EvalDuration)
	}
}

func TestOllamaWireResponse_MultipleToolCalls(t *testing.T) {
	raw := `{
		"model": "qwen2.5:7b",
		"created_at": "2026-02-11T15:01:00Z",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [
				{"function": {"name": "createFlashcard", "arguments": {"topic": "Go", "question": "q", "answer": "a"}}},
				{"function": {"name": "getStudyTip", "arguments": {"subject": "Go"}}}
			]
		},
		"done": true
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[1].Function.Arguments["subject"] != "Go" {
		t.Errorf("second call arguments = %v", resp.Message.ToolCalls[1].Function.Arguments)
	}
}

func TestOllamaWireResponse_MissingTimestamp(t *testing.T) {
	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(`{"model":"m","message":{"role":"assistant","content":"x"},"done":false}`), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()
	if !resp.CreatedAt.IsZero() {
		t.Errorf("CreatedAt = %v, want zero", resp.CreatedAt)
	}
	if resp.TotalDuration != 0 || resp.InputTokens != 0 {
		t.Error("missing stats should decode as zero")
	}
}

func TestMessage_ToolResultWireFormat(t *testing.T) {
	m := Message{Role: "tool", Content: `{"ok":true}`, ToolCallID: "call_1", ToolName: "getStudyTip"}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"tool","content":"{\"ok\":true}","tool_call_id":"call_1","tool_name":"getStudyTip"}`
	if string(b) != want {
		t.Errorf("json = %s\nwant   %s", b, want)
	}
}

func TestStreamEventKind_String(t *testing.T) {
	for kind, want := range map[StreamEventKind]string{
		KindToken:          "token",
		KindToolCallStart:  "tool_call_start",
		KindToolCallDone:   "tool_call_done",
		KindDone:           "done",
		StreamEventKind(9): "unknown",
	} {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
