package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	speechmodel "github.com/zhouzirui/voicerag/backend/internal/model/speech"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
)

const stageTranscribe = "transcribe"

// Transcribe 读取已上传的录音并转写。识别结果为空时返回空字符串而不是错误。
func (s *Service) Transcribe(ctx context.Context, audioRef string) (text string, err error) {
	ctx, span := observe.StartSpan(ctx, "speech.Transcribe", attribute.String("audio.ref", audioRef))
	start := time.Now()
	defer func() {
		s.observe(stageTranscribe, start, err)
		observe.EndSpan(span, err)
	}()

	f, err := s.store.OpenUpload(audioRef)
	if err != nil {
		return "", &TranscriptionFailure{AudioRef: audioRef, Err: err}
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return "", &TranscriptionFailure{AudioRef: audioRef, Err: err}
	}

	resp, err := s.TranscribeAudio(ctx, &speechmodel.ASRRequest{
		AudioData: bytes.NewReader(data),
		FileName:  filepath.Base(f.Name()),
		Language:  s.config.STTLanguage,
	})
	if err != nil {
		var failure *TranscriptionFailure
		if errors.As(err, &failure) {
			failure.AudioRef = audioRef
			return "", failure
		}
		return "", &TranscriptionFailure{AudioRef: audioRef, Err: err}
	}

	s.logger.Debug("audio transcribed",
		zap.String("audio", audioRef),
		zap.Int("chars", len(resp.Text)),
	)
	return resp.Text, nil
}

// TranscribeAudio 语音转文字，音频来自请求中的 Reader。
func (s *Service) TranscribeAudio(ctx context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error) {
	if req == nil || req.AudioData == nil {
		return nil, &TranscriptionFailure{Err: ErrEmptyAudio}
	}
	data, err := io.ReadAll(req.AudioData)
	if err != nil {
		return nil, &TranscriptionFailure{AudioRef: req.FileName, Err: err}
	}
	if len(data) == 0 {
		return nil, &TranscriptionFailure{AudioRef: req.FileName, Err: ErrEmptyAudio}
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = "audio.webm"
	}
	language := req.Language
	if language == "" {
		language = s.config.STTLanguage
	}
	modelName := s.config.STTModel
	if modelName == "" {
		modelName = openai.Whisper1
	}

	resp, err := retry(ctx, s.retry, func() (openai.AudioResponse, error) {
		return s.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    modelName,
			FilePath: fileName,
			Reader:   bytes.NewReader(data),
			Language: language,
			Format:   openai.AudioResponseFormatJSON,
		})
	})
	if err != nil {
		return nil, &TranscriptionFailure{AudioRef: fileName, Err: fmt.Errorf("openai transcription: %w", err)}
	}

	return &speechmodel.ASRResponse{
		Text:      strings.TrimSpace(resp.Text),
		Language:  resp.Language,
		Duration:  resp.Duration,
		CreatedAt: time.Now().UTC(),
	}, nil
}
