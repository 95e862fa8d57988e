package chat

import "time"

// Session 匿名语音问答会话。消息单独存放在历史存储中。
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
