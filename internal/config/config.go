package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/voicerag/backend/internal/model/speech"
	"github.com/zhouzirui/voicerag/backend/internal/service/ai"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server      ServerConfig
	AI          AIConfig
	Speech      SpeechConfig
	VectorStore VectorStoreConfig
	Storage     StorageConfig
	History     HistoryConfig
	Retry       RetryConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Prompts     Prompts
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	aiCfg, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig(aiCfg)
	if err != nil {
		return nil, err
	}

	vector, err := loadVectorStoreConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	retry, err := loadRetryConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	prompts, err := LoadPrompts(strings.TrimSpace(os.Getenv("PROMPTS_FILE")))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      server,
		AI:          aiCfg,
		Speech:      speech,
		VectorStore: vector,
		Storage:     storage,
		History:     history,
		Retry:       retry,
		RateLimit:   rateLimit,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Prompts: prompts,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	CORSOrigins []string // 为空表示允许任意来源
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, CORSOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, CORSOrigins: origins}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AIConfig 描述大模型相关配置。Provider 为 openai（默认，兼容 OpenAI 协议）或 ark。
type AIConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	HistoryLimit   int

	ArkAPIKey    string
	ArkAccessKey string
	ArkSecretKey string
	ArkModel     string
	ArkBaseURL   string
	ArkRegion    string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Provider == "ark" {
		return c.ArkModel != "" && (c.ArkAPIKey != "" || (c.ArkAccessKey != "" && c.ArkSecretKey != ""))
	}
	return c.APIKey != "" && c.Model != ""
}

// EmbeddingsEnabled 表示向量化所需的 OpenAI 兼容凭证是否存在（与对话模型的 provider 无关）。
func (c AIConfig) EmbeddingsEnabled() bool {
	return c.APIKey != "" && c.EmbeddingModel != ""
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("chat model credentials missing: set OPENAI_API_KEY (or ARK_* with AI_PROVIDER=ark)")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	if c.Provider == "ark" {
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.ArkBaseURL,
			Region:      c.ArkRegion,
			APIKey:      c.ArkAPIKey,
			AccessKey:   c.ArkAccessKey,
			SecretKey:   c.ArkSecretKey,
			Model:       c.ArkModel,
			MaxTokens:   c.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	}

	return ai.NewChatModel(ai.ChatModelConfig{
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   c.MaxTokens,
	})
}

// NewEmbedder 创建 OpenAI 兼容的向量化组件。
func (c AIConfig) NewEmbedder() (*ai.Embedder, error) {
	if !c.EmbeddingsEnabled() {
		return nil, fmt.Errorf("embedding credentials missing: set OPENAI_API_KEY and EMBEDDING_MODEL")
	}
	return ai.NewEmbedder(ai.EmbedderConfig{
		APIKey:  c.APIKey,
		BaseURL: c.BaseURL,
		Model:   c.EmbeddingModel,
	})
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("CHAT_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature == nil {
		zero := 0.0
		temperature = &zero
	}

	topP, err := parseOptionalFloatEnv("CHAT_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("CHAT_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("CHAT_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 10
	if override, err := parseOptionalIntEnv("CHAT_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			historyLimit = 1
		} else {
			historyLimit = *override
		}
	}

	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", "openai"))
	if provider != "openai" && provider != "ark" {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q: want openai or ark", provider)
	}

	return AIConfig{
		Provider:       provider,
		APIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:        strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Model:          getEnvOrDefault("CHAT_MODEL", "gpt-4o-mini-2024-07-18"),
		EmbeddingModel: getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		HistoryLimit:   historyLimit,
		ArkAPIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		ArkAccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		ArkSecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		ArkModel:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		ArkBaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		ArkRegion:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	APIKey      string
	BaseURL     string
	STTModel    string
	STTLanguage string
	TTSModel    string
	TTSVoice    string
	TTSFormat   string
	TTSSpeed    float32
	Timeout     time.Duration
	Enabled     bool
}

// ServiceConfig 转换为语音服务使用的配置。
func (c SpeechConfig) ServiceConfig() *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		STTModel:    c.STTModel,
		STTLanguage: c.STTLanguage,
		TTSModel:    c.TTSModel,
		TTSVoice:    c.TTSVoice,
		TTSFormat:   c.TTSFormat,
		TTSSpeed:    c.TTSSpeed,
		Timeout:     c.Timeout,
	}
}

func loadSpeechConfig(aiCfg AIConfig) (SpeechConfig, error) {
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0) // 默认1.0倍速
	if speed != nil {
		ttsSpeed = *speed
	}

	// 如果没有专门的语音配置，沿用对话模型的 OpenAI 凭证
	apiKey := getEnvOrDefault("SPEECH_API_KEY", aiCfg.APIKey)
	baseURL := getEnvOrDefault("SPEECH_BASE_URL", aiCfg.BaseURL)

	return SpeechConfig{
		APIKey:      apiKey,
		BaseURL:     baseURL,
		STTModel:    getEnvOrDefault("SPEECH_STT_MODEL", "whisper-1"),
		STTLanguage: getEnvOrDefault("SPEECH_STT_LANGUAGE", ""),
		TTSModel:    getEnvOrDefault("SPEECH_TTS_MODEL", "tts-1"),
		TTSVoice:    getEnvOrDefault("SPEECH_TTS_VOICE", "alloy"),
		TTSFormat:   getEnvOrDefault("SPEECH_TTS_FORMAT", "wav"),
		TTSSpeed:    ttsSpeed,
		Timeout:     time.Duration(timeoutSeconds) * time.Second,
		Enabled:     apiKey != "",
	}, nil
}

// VectorStoreConfig 描述向量库（Postgres + pgvector）配置。
type VectorStoreConfig struct {
	DSN        string
	Collection string
	Dimensions int
	TopK       int
}

// Enabled 表示是否配置了向量库连接地址。
func (c VectorStoreConfig) Enabled() bool {
	return c.DSN != ""
}

func loadVectorStoreConfig() (VectorStoreConfig, error) {
	dims, err := parseOptionalIntEnv("VECTOR_DIMENSIONS")
	if err != nil {
		return VectorStoreConfig{}, err
	}
	dimensions := 1536
	if dims != nil {
		dimensions = *dims
	}

	topK, err := parseOptionalIntEnv("VECTOR_TOP_K")
	if err != nil {
		return VectorStoreConfig{}, err
	}
	k := 5
	if topK != nil && *topK > 0 {
		k = *topK
	}

	return VectorStoreConfig{
		DSN:        strings.TrimSpace(os.Getenv("VECTOR_STORE_URL")),
		Collection: getEnvOrDefault("VECTOR_COLLECTION", "ncell_20241205054426"),
		Dimensions: dimensions,
		TopK:       k,
	}, nil
}

// StorageConfig 描述音频文件的落盘位置与保留策略。
type StorageConfig struct {
	UploadDir      string
	PublicPrefix   string
	MaxUploadBytes int64
	Retention      time.Duration // 0 表示永久保留
	SweepInterval  time.Duration
}

func loadStorageConfig() (StorageConfig, error) {
	retention, err := parseDurationEnv("UPLOAD_RETENTION", 0)
	if err != nil {
		return StorageConfig{}, err
	}

	interval, err := parseDurationEnv("UPLOAD_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return StorageConfig{}, err
	}

	maxMB, err := parseOptionalIntEnv("UPLOAD_MAX_MB")
	if err != nil {
		return StorageConfig{}, err
	}
	maxBytes := int64(32 << 20)
	if maxMB != nil && *maxMB > 0 {
		maxBytes = int64(*maxMB) << 20
	}

	return StorageConfig{
		UploadDir:      getEnvOrDefault("UPLOAD_DIR", "public/uploads"),
		PublicPrefix:   getEnvOrDefault("UPLOAD_PUBLIC_PREFIX", "/uploads"),
		MaxUploadBytes: maxBytes,
		Retention:      retention,
		SweepInterval:  interval,
	}, nil
}

// HistoryConfig 描述会话历史的存储后端。
type HistoryConfig struct {
	Backend       string // memory | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	TTL           time.Duration
}

func loadHistoryConfig() (HistoryConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("HISTORY_BACKEND", "memory"))
	if backend != "memory" && backend != "redis" {
		return HistoryConfig{}, fmt.Errorf("invalid HISTORY_BACKEND value %q: want memory or redis", backend)
	}

	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return HistoryConfig{}, err
	}
	redisDB := 0
	if db != nil {
		redisDB = *db
	}

	ttl, err := parseDurationEnv("HISTORY_TTL", 24*time.Hour)
	if err != nil {
		return HistoryConfig{}, err
	}

	return HistoryConfig{
		Backend:       backend,
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:       redisDB,
		KeyPrefix:     getEnvOrDefault("REDIS_KEY_PREFIX", "voicerag:"),
		TTL:           ttl,
	}, nil
}

// RetryConfig 控制外部服务调用的重试。MaxAttempts 为 1 时只调用一次。
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func loadRetryConfig() (RetryConfig, error) {
	attempts, err := parseOptionalIntEnv("GATEWAY_MAX_ATTEMPTS")
	if err != nil {
		return RetryConfig{}, err
	}
	maxAttempts := uint(1)
	if attempts != nil && *attempts > 1 {
		maxAttempts = uint(*attempts)
	}

	initial, err := parseDurationEnv("GATEWAY_RETRY_INITIAL", 500*time.Millisecond)
	if err != nil {
		return RetryConfig{}, err
	}

	maxInterval, err := parseDurationEnv("GATEWAY_RETRY_MAX", 5*time.Second)
	if err != nil {
		return RetryConfig{}, err
	}

	return RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
	}, nil
}

// RateLimitConfig 每个客户端 IP 的请求速率限制，RPS 为 0 表示关闭。
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	rps, err := parseOptionalFloatEnv("RATE_LIMIT_RPS")
	if err != nil {
		return RateLimitConfig{}, err
	}
	burst, err := parseOptionalIntEnv("RATE_LIMIT_BURST")
	if err != nil {
		return RateLimitConfig{}, err
	}

	cfg := RateLimitConfig{Burst: 10}
	if rps != nil {
		cfg.RPS = *rps
	}
	if burst != nil && *burst > 0 {
		cfg.Burst = *burst
	}
	return cfg, nil
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string
	Format string // json | console
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
