package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/voicerag/backend/internal/service/chat"
	sessionsvc "github.com/zhouzirui/voicerag/backend/internal/service/session"
	"github.com/zhouzirui/voicerag/backend/pkg/utils"
)

// Manager 会话的创建、查找与历史读取。
type Manager interface {
	Create(ctx context.Context) (chat.Session, error)
	Acquire(ctx context.Context, sessionID string) (*sessionsvc.Controller, error)
	Release(sessionID string)
	Transcript(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// Handler 会话 REST 接口与语音 WebSocket。
type Handler struct {
	manager  Manager
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New 创建会话处理器
func New(manager Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			// 跨域由 CORS 中间件统一处理
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With(zap.String("component", "session_handler")),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(sr chi.Router) {
		sr.Post("/", h.handleCreate)
		sr.Get("/{sessionID}/messages", h.handleMessages)
		sr.Get("/{sessionID}/ws", h.handleWebSocket)
	})
}

type sessionResponse struct {
	SessionID string           `json:"sessionId"`
	State     sessionsvc.State `json:"state"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.Create(r.Context())
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, sessionResponse{SessionID: session.ID, State: sessionsvc.StateIdle})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messages, err := h.manager.Transcript(r.Context(), sessionID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("load transcript failed", zap.String("session_id", sessionID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  messages,
	})
}
