package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxmind/fluxmind/internal/message"
)

// FromConversation converts a prepared conversation into provider
// messages, preceded by the system prompt when one is given.
//
// An assistant turn may interleave text and tool invocations across
// several inference steps. Each step becomes an assistant message
// carrying its text and tool calls, followed by one tool message per
// recorded result in call order. Invocations without a terminal state
// are skipped.
func FromConversation(system string, msgs []message.Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, Message{Role: "system", Content: system})
	}

	for _, m := range msgs {
		if m.Role != message.RoleAssistant {
			out = append(out, Message{Role: string(m.Role), Content: m.Text()})
			continue
		}
		out = appendAssistant(out, m)
	}
	return out
}

func appendAssistant(out []Message, m message.Message) []Message {
	var text strings.Builder
	var calls []ToolCall
	var results []Message

	flush := func() {
		if text.Len() == 0 && len(calls) == 0 {
			return
		}
		out = append(out, Message{Role: "assistant", Content: text.String(), ToolCalls: calls})
		out = append(out, results...)
		text.Reset()
		calls, results = nil, nil
	}

	for _, p := range m.Parts {
		switch p.Type {
		case message.PartText:
			if len(calls) > 0 {
				flush()
			}
			text.WriteString(p.Text)
		case message.PartToolInvocation:
			inv := p.Tool
			if inv == nil || !inv.State.Terminal() {
				continue
			}
			calls = append(calls, ToolCall{
				ID:       inv.ToolCallID,
				Function: FunctionCall{Name: inv.ToolName, Arguments: inv.Input},
			})
			results = append(results, Message{
				Role:       "tool",
				Content:    ResultContent(inv.Output),
				ToolCallID: inv.ToolCallID,
				ToolName:   inv.ToolName,
			})
		}
	}
	flush()
	return out
}

// ResultContent renders a tool output as message content: strings pass
// through, anything else is JSON encoded.
func ResultContent(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(b)
}
