package speech

import "time"

// SpeechConfig 语音服务配置（OpenAI 兼容的 STT / TTS 接口）
type SpeechConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`

	// STT 配置
	STTModel    string `json:"sttModel"`    // whisper-1
	STTLanguage string `json:"sttLanguage"` // 为空时由服务端自动识别

	// TTS 配置
	TTSModel  string  `json:"ttsModel"`  // tts-1
	TTSVoice  string  `json:"ttsVoice"`  // alloy
	TTSFormat string  `json:"ttsFormat"` // wav, mp3, ...
	TTSSpeed  float32 `json:"ttsSpeed"`  // 0.25-4.0

	// 通用配置
	Timeout time.Duration `json:"timeout"`
}
