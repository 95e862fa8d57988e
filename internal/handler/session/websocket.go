package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/voicerag/backend/internal/service/chat"
	"github.com/zhouzirui/voicerag/backend/internal/service/rag"
	sessionsvc "github.com/zhouzirui/voicerag/backend/internal/service/session"
	"github.com/zhouzirui/voicerag/backend/internal/service/speech"
	"github.com/zhouzirui/voicerag/backend/internal/storage"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// 客户端消息类型
const (
	msgStart         = "start"
	msgAudio         = "audio"
	msgInterim       = "interim"
	msgStop          = "stop"
	msgText          = "text"
	msgPlaybackEnded = "playback_ended"
	msgStopPlayback  = "stop_playback"
)

// 服务端消息类型
const (
	outState      = "state"
	outTranscript = "transcript"
	outAnswer     = "answer"
	outAudio      = "audio"
	outError      = "error"
)

// inboundMessage 客户端消息。音频也可以直接以二进制帧发送。
type inboundMessage struct {
	Type   string `json:"type"`
	Audio  []byte `json:"audio,omitempty"` // base64
	Text   string `json:"text,omitempty"`
	Format string `json:"format,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type answerPayload struct {
	Message            chat.Message         `json:"message"`
	StandaloneQuestion string               `json:"standaloneQuestion"`
	SourceDocuments    []rag.SourceDocument `json:"sourceDocuments"`
	Usage              rag.Usage            `json:"usage"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// connection 一条 WebSocket 连接。gorilla 要求同一时刻只有一个写者。
type connection struct {
	conn   *websocket.Conn
	ctrl   *sessionsvc.Controller
	logger *zap.Logger

	writeMu sync.Mutex
	turns   sync.WaitGroup
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ctrl, err := h.manager.Acquire(r.Context(), sessionID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load session failed", zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	defer h.manager.Release(sessionID)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &connection{
		conn:   ws,
		ctrl:   ctrl,
		logger: h.logger.With(zap.String("session_id", sessionID)),
	}
	c.logger.Info("websocket connected")

	// 同一会话可能有多个连接，各自只注销自己的订阅
	unsubscribe := ctrl.Subscribe(func(s sessionsvc.State) {
		c.send(outState, map[string]any{"state": s})
	})

	// 连接断开时取消进行中的一轮
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.turns.Wait()
		unsubscribe()
		ws.Close()
		c.logger.Info("websocket closed")
	}()

	c.send(outState, map[string]any{"state": ctrl.State()})

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go c.pingLoop(ctx)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		if kind == websocket.BinaryMessage {
			c.report(ctrl.AppendAudio(data))
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("bad_message", "invalid message payload")
			continue
		}
		c.dispatch(ctx, &msg)
	}
}

func (c *connection) dispatch(ctx context.Context, msg *inboundMessage) {
	switch msg.Type {
	case msgStart:
		c.report(c.ctrl.StartCapture())
	case msgAudio:
		c.report(c.ctrl.AppendAudio(msg.Audio))
	case msgInterim:
		c.report(c.ctrl.SetInterim(msg.Text))
	case msgStop:
		format := msg.Format
		c.runTurn(func() (*sessionsvc.TurnResult, error) {
			return c.ctrl.StopCapture(ctx, format)
		})
	case msgText:
		text := msg.Text
		c.runTurn(func() (*sessionsvc.TurnResult, error) {
			return c.ctrl.SubmitText(ctx, text)
		})
	case msgPlaybackEnded:
		c.report(c.ctrl.PlaybackEnded())
	case msgStopPlayback:
		c.report(c.ctrl.StopPlayback())
	default:
		c.sendError("bad_message", "unsupported message type: "+msg.Type)
	}
}

// runTurn 在后台执行一轮对话，读循环继续处理 stop_playback 等消息。
func (c *connection) runTurn(turn func() (*sessionsvc.TurnResult, error)) {
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()

		result, err := turn()
		if err != nil {
			c.report(err)
			return
		}

		c.send(outTranscript, map[string]any{"message": result.UserMessage})
		c.send(outAnswer, answerPayload{
			Message:            result.AssistantMessage,
			StandaloneQuestion: result.Answer.StandaloneQuestion,
			SourceDocuments:    rag.ToSourceDocuments(result.Answer.SourceDocuments),
			Usage:              result.Answer.Usage,
		})
		c.send(outAudio, map[string]any{
			"messageId": result.Audio.OwningMessageID,
			"url":       result.Audio.Locator,
		})
	}()
}

func (c *connection) report(err error) {
	if err == nil {
		return
	}
	code, message := errorCode(err)
	c.sendError(code, message)
}

// errorCode 把领域错误映射为客户端可识别的错误码，细节只写日志。
func errorCode(err error) (string, string) {
	var (
		transcription *speech.TranscriptionFailure
		synthesis     *speech.SynthesisFailure
		retrieval     *rag.RetrievalFailure
		upload        *storage.UploadFailure
	)
	switch {
	case errors.Is(err, sessionsvc.ErrTurnInFlight):
		return "turn_in_flight", err.Error()
	case errors.Is(err, sessionsvc.ErrInvalidTransition):
		return "invalid_state", err.Error()
	case errors.Is(err, sessionsvc.ErrNoSpeech):
		return "no_speech", err.Error()
	case errors.Is(err, sessionsvc.ErrEmptyText):
		return "empty_text", err.Error()
	case errors.Is(err, storage.ErrTooLarge):
		return "audio_too_large", "recording is too large"
	case errors.As(err, &transcription):
		return "transcription_failed", "could not transcribe the recording"
	case errors.As(err, &retrieval):
		return "answer_failed", "could not answer the question"
	case errors.As(err, &synthesis):
		return "synthesis_failed", "could not synthesize the answer"
	case errors.As(err, &upload):
		return "upload_failed", "could not save the recording"
	default:
		return "internal", "internal error"
	}
}

func (c *connection) sendError(code, message string) {
	c.send(outError, errorPayload{Code: code, Message: message})
}

func (c *connection) send(kind string, data any) {
	msg := outgoingMessage{
		Type:      kind,
		SessionID: c.ctrl.ID(),
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write failed", zap.String("type", kind), zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
