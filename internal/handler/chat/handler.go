package chat

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	"github.com/zhouzirui/voicerag/backend/internal/service/rag"
	"github.com/zhouzirui/voicerag/backend/pkg/utils"
)

// Answerer 带历史的检索问答。
type Answerer interface {
	Answer(ctx context.Context, question string, history []chat.HistoryTurn, promptOverride string) (*rag.Answer, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	answerer       Answerer
	promptOverride string
	logger         *zap.Logger
}

// New 创建聊天处理器。promptOverride 非空时替换默认回答模板。
func New(answerer Answerer, promptOverride string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		answerer:       answerer,
		promptOverride: promptOverride,
		logger:         logger.With(zap.String("component", "chat_handler")),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

type historyEntry struct {
	Role string `json:"role"`
	Type string `json:"type"` // 旧版前端用 type: user | ai
	Text string `json:"text"`
}

type chatRequest struct {
	Question    string         `json:"question"`
	ChatHistory []historyEntry `json:"chatHistory"`
}

type chatResponse struct {
	Answer             string               `json:"answer"`
	StandaloneQuestion string               `json:"standaloneQuestion"`
	SourceDocuments    []rag.SourceDocument `json:"sourceDocuments"`
	Usage              rag.Usage            `json:"usage"`
}

// handleChat 回答问题。任何失败都返回 400 Invalid request，原因只写日志。
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		h.logger.Info("invalid chat request body", zap.Error(err))
		utils.RespondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	req, ok := payload.turnRequest()
	if !ok {
		h.logger.Info("invalid chat history role")
		utils.RespondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	answer, err := h.answerer.Answer(r.Context(), req.Question, req.History, h.promptOverride)
	if err != nil {
		h.logger.Error("chat answer failed", zap.Int("history_len", len(req.History)), zap.Error(err))
		utils.RespondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	utils.RespondJSON(w, http.StatusOK, chatResponse{
		Answer:             answer.Answer,
		StandaloneQuestion: answer.StandaloneQuestion,
		SourceDocuments:    rag.ToSourceDocuments(answer.SourceDocuments),
		Usage:              answer.Usage,
	})
}

func (p chatRequest) turnRequest() (chat.TurnRequest, bool) {
	history, ok := toHistory(p.ChatHistory)
	if !ok {
		return chat.TurnRequest{}, false
	}
	return chat.TurnRequest{Question: p.Question, History: history}, true
}

// toHistory 保持客户端给出的顺序，跳过空文本。
func toHistory(entries []historyEntry) ([]chat.HistoryTurn, bool) {
	turns := make([]chat.HistoryTurn, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		raw := e.Role
		if raw == "" {
			raw = e.Type
		}
		role, ok := chat.ParseRole(raw)
		if !ok {
			return nil, false
		}
		turns = append(turns, chat.HistoryTurn{Speaker: role, Text: e.Text})
	}
	return turns, true
}
