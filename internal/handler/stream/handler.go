package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/voicerag/backend/internal/service/chat"
	"github.com/zhouzirui/voicerag/backend/internal/service/rag"
	sessionsvc "github.com/zhouzirui/voicerag/backend/internal/service/session"
	"github.com/zhouzirui/voicerag/backend/pkg/utils"
)

// Streamer 流式检索问答。
type Streamer interface {
	Stream(ctx context.Context, question string, history []chat.HistoryTurn, promptOverride string) (*rag.StreamAnswer, error)
}

// Sessions 提供会话控制器。带 sessionId 的流式问答与语音轮次共用同一个控制器。
type Sessions interface {
	Acquire(ctx context.Context, sessionID string) (*sessionsvc.Controller, error)
	Release(sessionID string)
}

// Handler manages streaming answers via Server-Sent Events
type Handler struct {
	streamer       Streamer
	sessions       Sessions
	promptOverride string
	logger         *zap.Logger
}

// New creates a new stream handler. sessions 可为 nil，此时不支持 sessionId。
func New(streamer Streamer, sessions Sessions, promptOverride string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		streamer:       streamer,
		sessions:       sessions,
		promptOverride: promptOverride,
		logger:         logger.With(zap.String("component", "stream_handler")),
	}
}

// RegisterRoutes 注册 GET /chat/stream?question=...&sessionId=...
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/stream", h.handleStream)
}

type metaEvent struct {
	SessionID          string               `json:"sessionId,omitempty"`
	StandaloneQuestion string               `json:"standaloneQuestion"`
	SourceDocuments    []rag.SourceDocument `json:"sourceDocuments"`
}

type deltaEvent struct {
	Content string `json:"content"`
}

type doneEvent struct {
	MessageID string    `json:"messageId"`
	Answer    string    `json:"answer"`
	Usage     rag.Usage `json:"usage"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	question := strings.TrimSpace(r.URL.Query().Get("question"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if question == "" {
		utils.RespondError(w, http.StatusBadRequest, "question query parameter is required")
		return
	}
	if sessionID != "" && h.sessions == nil {
		utils.RespondError(w, http.StatusBadRequest, "sessions are not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, utils.ErrStreamingUnsupported.Error())
		return
	}

	ctx := r.Context()
	var turn *sessionsvc.TextTurn
	if sessionID != "" {
		ctrl, err := h.sessions.Acquire(ctx, sessionID)
		if errors.Is(err, chatservice.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			h.logger.Error("load session failed", zap.String("session_id", sessionID), zap.Error(err))
			utils.RespondError(w, http.StatusInternalServerError, "failed to load conversation")
			return
		}
		defer h.sessions.Release(sessionID)

		turn, err = ctrl.BeginTextTurn(question)
		if errors.Is(err, sessionsvc.ErrTurnInFlight) {
			utils.RespondError(w, http.StatusConflict, "a conversation turn is already in progress")
			return
		}
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid request")
			return
		}
		// Commit 之后为空操作
		defer turn.Abort(context.Canceled)
	}

	var history []chat.HistoryTurn
	if turn != nil {
		history = turn.History()
	}

	answer, err := h.streamer.Stream(ctx, question, history, h.promptOverride)
	if err != nil {
		h.logger.Error("stream answer failed", zap.Error(err))
		utils.RespondError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	defer answer.Stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	h.send(w, flusher, "meta", metaEvent{
		SessionID:          sessionID,
		StandaloneQuestion: answer.StandaloneQuestion,
		SourceDocuments:    rag.ToSourceDocuments(answer.SourceDocuments),
	})

	full, usage, err := h.relay(w, flusher, answer)
	if err != nil {
		h.logger.Warn("stream interrupted", zap.String("session_id", sessionID), zap.Error(err))
		h.send(w, flusher, "error", map[string]string{"error": "stream interrupted"})
		return
	}
	if strings.TrimSpace(full) == "" {
		h.send(w, flusher, "error", map[string]string{"error": rag.ErrEmptyAnswer.Error()})
		return
	}

	messageID := uuid.NewString()
	if turn != nil {
		_, assistant, err := turn.Commit(ctx, full)
		if err != nil {
			h.logger.Error("failed to save streamed turn", zap.String("session_id", sessionID), zap.Error(err))
			h.send(w, flusher, "error", map[string]string{"error": "failed to save conversation"})
			return
		}
		messageID = assistant.ID
	}

	h.send(w, flusher, "done", doneEvent{MessageID: messageID, Answer: full, Usage: usage})
}

// relay 转发增量并返回完整回答与累计用量。
func (h *Handler) relay(w http.ResponseWriter, flusher http.Flusher, answer *rag.StreamAnswer) (string, rag.Usage, error) {
	usage := answer.Usage
	var sb strings.Builder
	for {
		chunk, err := answer.Stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), usage, nil
		}
		if err != nil {
			return "", usage, err
		}
		if chunk == nil {
			continue
		}
		usage.Add(chunk.ResponseMeta)
		if chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		h.send(w, flusher, "delta", deltaEvent{Content: chunk.Content})
	}
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	if err := utils.SendSSEEvent(w, flusher, event, data); err != nil {
		h.logger.Debug("sse write failed", zap.String("event", event), zap.Error(err))
	}
}
