package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxmind/fluxmind/internal/agent"
	"github.com/fluxmind/fluxmind/internal/llm"
	"github.com/fluxmind/fluxmind/internal/message"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Websocket request types.
const (
	wsChat  = "chat"
	wsClear = "clear"
)

// wsRequest is a client frame on a conversation websocket.
type wsRequest struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Messages []message.Message `json:"messages,omitempty"`
	Model    string            `json:"model,omitempty"`
}

// wsFrame is a server frame: a stream chunk tagged with the request it
// answers.
type wsFrame struct {
	ID string `json:"id,omitempty"`
	StreamChunk
}

// handleWebSocket serves a conversation over a websocket. Requests on
// one connection are handled in order; each chat request streams its
// chunks and ends with a finish or error frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	a, convID, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		s.errorResponse(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := s.logger.With("conversation_id", convID)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			log.Info("websocket disconnected")
			return
		}

		switch req.Type {
		case wsChat:
			if err := s.wsTurn(ctx, conn, a, convID, req); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		case wsClear:
			frame := wsFrame{ID: req.ID, StreamChunk: StreamChunk{Type: ChunkCleared}}
			if err := a.Reset(convID); err != nil {
				log.Error("clear conversation failed", "error", err)
				frame.StreamChunk = StreamChunk{Type: ChunkError, ErrorText: "failed to clear messages"}
			}
			if err := writeFrame(conn, frame); err != nil {
				return
			}
		default:
			if err := writeFrame(conn, wsFrame{ID: req.ID, StreamChunk: StreamChunk{
				Type:      ChunkError,
				ErrorText: "unknown request type " + req.Type,
			}}); err != nil {
				return
			}
		}
	}
}

// wsTurn runs one chat request. It returns an error only when the
// connection can no longer be written to.
func (s *Server) wsTurn(ctx context.Context, conn *websocket.Conn, a Agent, convID string, req wsRequest) error {
	if err := checkRoles(req.Messages); err != nil {
		return writeFrame(conn, wsFrame{ID: req.ID, StreamChunk: StreamChunk{Type: ChunkError, ErrorText: err.Error()}})
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeErr error
	resp, err := a.Run(turnCtx, &agent.Request{
		ConversationID: convID,
		Messages:       req.Messages,
		Model:          req.Model,
	}, func(e llm.StreamEvent) {
		if writeErr != nil {
			return
		}
		if writeErr = writeFrame(conn, wsFrame{ID: req.ID, StreamChunk: chunkFor(e)}); writeErr != nil {
			cancel()
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		s.logger.Error("agent turn failed", "conversation_id", convID, "error", err)
		return writeFrame(conn, wsFrame{ID: req.ID, StreamChunk: StreamChunk{Type: ChunkError, ErrorText: "agent error"}})
	}
	s.recordTokens(resp)
	return nil
}

func writeFrame(conn *websocket.Conn, frame wsFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
