// Package speech 封装 OpenAI 兼容的语音识别与语音合成接口。
package speech

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	speechmodel "github.com/zhouzirui/voicerag/backend/internal/model/speech"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
)

// Transcriber 把已保存的录音转写为文本。
type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (string, error)
}

// Synthesizer 把文本合成为语音文件并返回其访问地址。
type Synthesizer interface {
	Synthesize(ctx context.Context, text, messageID string) (*speechmodel.AudioArtifact, error)
}

// AudioStore 语音文件存取。
type AudioStore interface {
	OpenUpload(ref string) (*os.File, error)
	WriteSpeech(messageID, format string, data []byte) (*speechmodel.AudioArtifact, error)
}

var (
	_ Transcriber = (*Service)(nil)
	_ Synthesizer = (*Service)(nil)
)

// Service 语音服务核心业务逻辑
type Service struct {
	client  *openai.Client
	config  *speechmodel.SpeechConfig
	store   AudioStore
	retry   RetryPolicy
	metrics *observe.Collector
	logger  *zap.Logger
}

// Option 配置 Service。
type Option func(*Service)

// WithRetry 设置重试策略。
func WithRetry(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCollector 设置指标收集器。
func WithCollector(c *observe.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// NewService 创建语音服务实例
func NewService(config *speechmodel.SpeechConfig, store AudioStore, opts ...Option) (*Service, error) {
	if config == nil || strings.TrimSpace(config.APIKey) == "" {
		return nil, ErrDisabled
	}
	if store == nil {
		return nil, errors.New("speech service: audio store is required")
	}

	clientCfg := openai.DefaultConfig(config.APIKey)
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	if config.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	client := openai.NewClientWithConfig(clientCfg)

	s := &Service{
		client: client,
		config: config,
		store:  store,
		retry:  RetryPolicy{MaxAttempts: 1},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "speech"))
	return s, nil
}

// Config 返回当前语音配置。
func (s *Service) Config() *speechmodel.SpeechConfig {
	return s.config
}

func (s *Service) observe(stage string, start time.Time, err error) {
	s.metrics.RecordStage(stage, err, time.Since(start))
}
