package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxmind/fluxmind/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	maxTokens  int
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. Requests carry no
// overall timeout and are retried while the server is starting or
// loading a model.
func NewOllamaClient(baseURL string, opts ...Option) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	o := buildOptions(opts)
	if o.httpClient == nil {
		o.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(o.logger),
		)
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: o.httpClient,
		maxTokens:  o.maxTokens,
		logger:     o.logger,
	}
}

// ollamaRequest is the request format for Ollama chat API.
type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

// ollamaOptions are model parameters.
type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaWireResponse is one /api/chat response object, or one line of a
// streamed response.
type ollamaWireResponse struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`

	// Usage stats (when done=true)
	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)
	return &ChatResponse{
		Model:         w.Model,
		CreatedAt:     created,
		Message:       w.Message,
		Done:          w.Done,
		FinishReason:  w.DoneReason,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	}
	if c.maxTokens > 0 {
		req.Options = &ollamaOptions{NumPredict: c.maxTokens}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var final *ChatResponse
	if !stream {
		var wire ollamaWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		final = wire.toChatResponse()
	} else {
		final, err = c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
	}

	// Try to parse text-based tool calls if no native tool_calls
	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("parsed tool calls from model text", "model", model, "count", len(parsed))
			final.Message.ToolCalls = parsed
			final.Message.Content = "" // Clear content since it was a tool call
		}
	}
	assignToolCallIDs(final.Message.ToolCalls)
	final.Message.Role = "assistant"

	c.logger.Debug("ollama response",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
		"duration", final.TotalDuration,
	)
	return final, nil
}

// readStream consumes newline-delimited JSON chunks.
func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var content strings.Builder
	var toolCalls []ToolCall
	decoder := json.NewDecoder(body)

	for {
		var chunk ollamaWireResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("stream ended before done")
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}

		// Tool calls may arrive on any chunk, usually the last.
		toolCalls = append(toolCalls, chunk.Message.ToolCalls...)

		if chunk.Done {
			final := chunk.toChatResponse()
			final.Message.Content = content.String()
			final.Message.ToolCalls = toolCalls
			return final, nil
		}
	}
}

// assignToolCallIDs gives every call without a provider ID a fresh one
// so results can be correlated with their calls.
func assignToolCallIDs(calls []ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. This function handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects, optionally followed by prose
//   - Tagged: <tool_call>...</tool_call>
//   - Name prefix: tool_name {...}
//
// When validTools is non-empty, calls naming any other tool are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	valid := func(name string) bool {
		if name == "" {
			return false
		}
		return len(validTools) == 0 || slices.Contains(validTools, name)
	}

	var result []ToolCall
	add := func(c textToolCall) {
		if valid(c.Name) {
			result = append(result, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: c.Arguments}})
		}
	}

	var calls []textToolCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil {
		for _, c := range calls {
			add(c)
		}
		return result
	}

	if strings.HasPrefix(content, "{") {
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			add(c)
		}
		return result
	}

	if len(validTools) == 0 {
		return nil
	}
	name, rest, ok := strings.Cut(content, " ")
	if !ok || !slices.Contains(validTools, name) {
		return nil
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(strings.TrimSpace(rest))).Decode(&args); err != nil {
		return nil
	}
	return []ToolCall{{Function: FunctionCall{Name: name, Arguments: args}}}
}

// extractToolNames returns the function names of tool definitions in
// OpenAI function format.
func extractToolNames(tools []map[string]any) []string {
	var names []string
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
