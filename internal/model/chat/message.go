package chat

import (
	"strings"
	"time"
)

// Role 消息发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole 归一化客户端传入的角色名，兼容 human/ai 等别名。
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "human":
		return RoleUser, true
	case "assistant", "ai", "bot":
		return RoleAssistant, true
	default:
		return "", false
	}
}

// Message is one immutable turn of a conversation. AudioRef locates the
// recorded or synthesized audio for the turn, when there is one.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	AudioRef  string    `json:"audioRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryTurn 是回放给检索链的一条历史发言。
type HistoryTurn struct {
	Speaker Role   `json:"speaker"`
	Text    string `json:"text"`
}

// TurnRequest 单次问答请求，按请求临时构造。
type TurnRequest struct {
	Question string        `json:"question"`
	History  []HistoryTurn `json:"history"`
}

// ToHistory 按原有顺序把消息转换为历史发言。
func ToHistory(messages []Message) []HistoryTurn {
	if len(messages) == 0 {
		return nil
	}
	turns := make([]HistoryTurn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, HistoryTurn{Speaker: msg.Role, Text: msg.Text})
	}
	return turns
}
