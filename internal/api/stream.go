package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxmind/fluxmind/internal/agent"
	"github.com/fluxmind/fluxmind/internal/llm"
)

// streamWriteTimeout is the write deadline granted after every event.
const streamWriteTimeout = 120 * time.Second

// StreamChunk is one frame of a streamed assistant turn, sent as an SSE
// data line or a websocket text frame.
type StreamChunk struct {
	Type         string          `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        map[string]any  `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorText    string          `json:"errorText,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Model        string          `json:"model,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
}

// Usage reports token counts in the finish chunk.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Chunk types.
const (
	ChunkTextDelta   = "text-delta"
	ChunkToolInput   = "tool-input-available"
	ChunkToolOutput  = "tool-output-available"
	ChunkToolError   = "tool-output-error"
	ChunkFinish      = "finish"
	ChunkError       = "error"
	ChunkCleared     = "cleared"
	streamDoneMarker = "[DONE]"
)

// chunkFor translates an agent event into a stream chunk.
func chunkFor(e llm.StreamEvent) StreamChunk {
	switch e.Kind {
	case llm.KindToken:
		return StreamChunk{Type: ChunkTextDelta, Delta: e.Token}

	case llm.KindToolCallStart:
		c := StreamChunk{Type: ChunkToolInput, Input: map[string]any{}}
		if e.ToolCall != nil {
			c.ToolCallID = e.ToolCall.ID
			c.ToolName = e.ToolCall.Function.Name
			if e.ToolCall.Function.Arguments != nil {
				c.Input = e.ToolCall.Function.Arguments
			}
		}
		return c

	case llm.KindToolCallDone:
		if e.ToolError != "" {
			return StreamChunk{Type: ChunkToolError, ToolCallID: e.ToolCallID, ToolName: e.ToolName, ErrorText: e.ToolError}
		}
		return StreamChunk{Type: ChunkToolOutput, ToolCallID: e.ToolCallID, ToolName: e.ToolName, Output: rawOutput(e.ToolResult)}

	case llm.KindDone:
		c := StreamChunk{Type: ChunkFinish}
		if e.Response != nil {
			c.FinishReason = e.Response.FinishReason
			c.Model = e.Response.Model
			c.Usage = &Usage{InputTokens: e.Response.InputTokens, OutputTokens: e.Response.OutputTokens}
		}
		return c
	}
	return StreamChunk{Type: e.Kind.String()}
}

// rawOutput passes JSON results through and quotes anything else.
func rawOutput(result string) json.RawMessage {
	if result != "" && json.Valid([]byte(result)) {
		return json.RawMessage(result)
	}
	b, _ := json.Marshal(result)
	return b
}

// streamTurn runs one turn and streams it to the client as server-sent
// events. A producer goroutine runs the agent and a forwarder writes its
// events in arrival order. Headers are sent with the first event, so a
// turn that fails before producing anything still gets a plain 500.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, a Agent, req *agent.Request) {
	log := s.logger.With("conversation_id", req.ConversationID)
	rc := http.NewResponseController(w)

	events := make(chan llm.StreamEvent, 16)
	g, ctx := errgroup.WithContext(r.Context())

	var resp *agent.Response
	g.Go(func() error {
		defer close(events)
		var err error
		resp, err = a.Run(ctx, req, func(e llm.StreamEvent) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		})
		return err
	})

	started := false
	g.Go(func() error {
		for e := range events {
			if !started {
				startSSE(w)
				started = true
			}
			if err := s.writeSSE(w, rc, chunkFor(e)); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
		return nil
	})

	err := g.Wait()
	switch {
	case err == nil:
		s.recordTokens(resp)
		if !started {
			startSSE(w)
		}
		s.writeDone(w, rc)

	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		log.Info("client went away during turn", "error", err)

	case !started:
		log.Error("agent turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error")

	default:
		log.Error("agent turn failed mid-stream", "error", err)
		if werr := s.writeSSE(w, rc, StreamChunk{Type: ChunkError, ErrorText: "agent error"}); werr == nil {
			s.writeDone(w, rc)
		}
	}
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeSSE(w http.ResponseWriter, rc *http.ResponseController, chunk StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.writeData(w, rc, data)
}

func (s *Server) writeDone(w http.ResponseWriter, rc *http.ResponseController) {
	if err := s.writeData(w, rc, []byte(streamDoneMarker)); err != nil {
		s.logger.Debug("failed to write SSE done marker", "error", err)
	}
}

func (s *Server) writeData(w http.ResponseWriter, rc *http.ResponseController, data []byte) error {
	// Reset the deadline so multi-step tool loops do not hit the
	// server's write timeout.
	if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("failed to reset write deadline", "error", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
