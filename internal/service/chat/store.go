package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidMessage  = errors.New("invalid message")
)

// HistoryStore persists sessions and their ordered transcripts.
type HistoryStore interface {
	CreateSession(ctx context.Context) (chat.Session, error)
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	// AppendMessages appends all messages or none of them.
	AppendMessages(ctx context.Context, sessionID string, messages ...chat.Message) error
	LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error)
}

func newSession() chat.Session {
	return chat.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// prepareMessages 校验并补全 ID、会话与时间戳，不修改调用方的切片。
func prepareMessages(sessionID string, messages []chat.Message) ([]chat.Message, error) {
	prepared := make([]chat.Message, len(messages))
	for i, msg := range messages {
		if msg.Role != chat.RoleUser && msg.Role != chat.RoleAssistant {
			return nil, ErrInvalidMessage
		}
		if strings.TrimSpace(msg.ID) == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		msg.SessionID = sessionID
		prepared[i] = msg
	}
	return prepared, nil
}
