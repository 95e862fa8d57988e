package speech

import (
	"io"
)

// ASRRequest 语音识别请求
type ASRRequest struct {
	AudioData io.Reader `json:"-"`
	FileName  string    `json:"fileName"` // 服务端据扩展名判断格式
	Language  string    `json:"language"` // en, ne, zh, ...
}

// TTSRequest 语音合成请求
type TTSRequest struct {
	MessageID string  `json:"messageId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float32 `json:"speed,omitempty"`
	Format    string  `json:"format,omitempty"`
}
