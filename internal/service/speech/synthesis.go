package speech

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	speechmodel "github.com/zhouzirui/voicerag/backend/internal/model/speech"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
	"github.com/zhouzirui/voicerag/backend/internal/storage"
)

const stageSynthesize = "synthesize"

// Synthesize 合成语音并写入 <messageID>-speech.<format>，返回可公开访问的地址。
// 同一 messageID 重复调用会替换之前的文件。
func (s *Service) Synthesize(ctx context.Context, text, messageID string) (artifact *speechmodel.AudioArtifact, err error) {
	ctx, span := observe.StartSpan(ctx, "speech.Synthesize", attribute.String("message.id", messageID))
	start := time.Now()
	defer func() {
		s.observe(stageSynthesize, start, err)
		observe.EndSpan(span, err)
	}()

	// 文件名不合法时不调用合成接口
	if _, err := storage.SanitizeName(messageID); err != nil {
		return nil, &SynthesisFailure{MessageID: messageID, Err: err}
	}

	resp, err := s.SynthesizeSpeech(ctx, &speechmodel.TTSRequest{MessageID: messageID, Text: text})
	if err != nil {
		return nil, err
	}

	artifact, err = s.store.WriteSpeech(messageID, resp.Format, resp.AudioData)
	if err != nil {
		return nil, &SynthesisFailure{MessageID: messageID, Err: err}
	}

	s.logger.Info("speech synthesized",
		zap.String("message_id", messageID),
		zap.String("locator", artifact.Locator),
		zap.Int64("bytes", artifact.Size),
	)
	return artifact, nil
}

// SynthesizeSpeech 文字转语音，返回音频字节。
func (s *Service) SynthesizeSpeech(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		id := ""
		if req != nil {
			id = req.MessageID
		}
		return nil, &SynthesisFailure{MessageID: id, Err: ErrEmptyText}
	}

	voice := firstNonEmpty(req.Voice, s.config.TTSVoice, string(openai.VoiceAlloy))
	format := firstNonEmpty(req.Format, s.config.TTSFormat, string(openai.SpeechResponseFormatWav))
	modelName := firstNonEmpty(s.config.TTSModel, string(openai.TTSModel1))
	speed := req.Speed
	if speed <= 0 {
		speed = s.config.TTSSpeed
	}

	data, err := retry(ctx, s.retry, func() ([]byte, error) {
		raw, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(modelName),
			Input:          req.Text,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormat(format),
			Speed:          float64(speed),
		})
		if err != nil {
			return nil, err
		}
		defer raw.Close()
		return io.ReadAll(raw)
	})
	if err != nil {
		return nil, &SynthesisFailure{MessageID: req.MessageID, Err: fmt.Errorf("openai speech: %w", err)}
	}
	if len(data) == 0 {
		return nil, &SynthesisFailure{MessageID: req.MessageID, Err: ErrEmptyAudio}
	}

	return &speechmodel.TTSResponse{
		AudioData: data,
		Format:    format,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
