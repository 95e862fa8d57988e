package speech

import "time"

// ASRResponse 语音识别响应
type ASRResponse struct {
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Duration  float64   `json:"duration,omitempty"` // seconds
	CreatedAt time.Time `json:"createdAt"`
}

// TTSResponse 语音合成响应
type TTSResponse struct {
	AudioData []byte    `json:"-"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"createdAt"`
}

// AudioArtifact 已落盘的音频文件。Locator 是对外可访问的地址，Path 是本地路径。
type AudioArtifact struct {
	Locator         string    `json:"locator"`
	Path            string    `json:"-"`
	OwningMessageID string    `json:"owningMessageId"`
	Format          string    `json:"format"`
	Size            int64     `json:"size"`
	CreatedAt       time.Time `json:"createdAt"`
}
