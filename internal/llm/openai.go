package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/fluxmind/fluxmind/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible chat completions
// endpoint, including Cloudflare Workers AI's /v1 surface.
type OpenAIClient struct {
	client    openai.Client
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIClient creates a client for baseURL. An empty baseURL uses
// the SDK default (api.openai.com).
func NewOpenAIClient(baseURL, apiKey string, opts ...Option) *OpenAIClient {
	o := buildOptions(opts)
	if o.httpClient == nil {
		o.httpClient = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(o.logger))
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(o.httpClient),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client:    openai.NewClient(reqOpts...),
		maxTokens: o.maxTokens,
		logger:    o.logger,
	}
}

// Chat sends a completion request and waits for the whole answer.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream streams a completion. Text deltas are forwarded to callback
// as they arrive; tool calls are collected and returned on the final
// message.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	c.logger.Log(ctx, LevelTrace, "openai request", "model", model, "messages", len(messages), "tools", len(tools))

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	acc := openai.ChatCompletionAccumulator{}

	var toolCalls []ToolCall
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			toolCalls = append(toolCalls, ToolCall{
				ID: tool.ID,
				Function: FunctionCall{
					Name:      tool.Name,
					Arguments: parseArguments(tool.Arguments),
				},
			})
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && callback != nil {
			callback(StreamEvent{Kind: KindToken, Token: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	resp := &ChatResponse{
		Model:        acc.Model,
		Done:         true,
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
		Message:      Message{Role: "assistant"},
	}
	if acc.Created > 0 {
		resp.CreatedAt = time.Unix(acc.Created, 0)
	}
	if len(acc.Choices) > 0 {
		resp.Message.Content = acc.Choices[0].Message.Content
		resp.FinishReason = acc.Choices[0].FinishReason
	}
	resp.Message.ToolCalls = toolCalls
	assignToolCallIDs(resp.Message.ToolCalls)

	c.logger.Debug("openai response",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(toolCalls),
		"finish_reason", resp.FinishReason,
	)
	return resp, nil
}

// Ping lists models to confirm the endpoint and key are usable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Function.Arguments)
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: string(args),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		def := openai.FunctionDefinitionParam{Name: name}
		if desc, ok := fn["description"].(string); ok && desc != "" {
			def.Description = openai.String(desc)
		}
		if params, ok := fn["parameters"].(map[string]any); ok {
			def.Parameters = openai.FunctionParameters(params)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out
}

// parseArguments decodes a tool call's JSON argument string. Malformed
// or empty arguments decode to an empty map so validation can report
// the missing fields.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}
