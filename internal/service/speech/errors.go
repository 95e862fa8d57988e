package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrDisabled 未配置语音服务凭证。
	ErrDisabled = errors.New("speech service is not configured")
	// ErrEmptyText 合成文本为空。
	ErrEmptyText = errors.New("text to synthesize is empty")
	// ErrEmptyAudio 录音为空。
	ErrEmptyAudio = errors.New("audio is empty")
)

// TranscriptionFailure 语音识别失败（读取录音、调用服务或响应异常）。
type TranscriptionFailure struct {
	AudioRef string
	Err      error
}

func (e *TranscriptionFailure) Error() string {
	return fmt.Sprintf("transcription failed for %q: %v", e.AudioRef, e.Err)
}

func (e *TranscriptionFailure) Unwrap() error { return e.Err }

// SynthesisFailure 语音合成失败（调用服务或写入文件）。
type SynthesisFailure struct {
	MessageID string
	Err       error
}

func (e *SynthesisFailure) Error() string {
	return fmt.Sprintf("synthesis failed for message %q: %v", e.MessageID, e.Err)
}

func (e *SynthesisFailure) Unwrap() error { return e.Err }
