package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("AI_PROVIDER", "")
	t.Setenv("VECTOR_TOP_K", "")
	t.Setenv("PROMPTS_FILE", "")
	t.Setenv("CHAT_STREAM", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.True(t, cfg.AI.Enabled())
	require.NotNil(t, cfg.AI.Temperature)
	assert.Equal(t, 0.0, *cfg.AI.Temperature)
	assert.Equal(t, 10, cfg.AI.HistoryLimit)
	assert.True(t, cfg.AI.StreamResponse)
	assert.Equal(t, 5, cfg.VectorStore.TopK)
	assert.Equal(t, "ncell_20241205054426", cfg.VectorStore.Collection)
	assert.Equal(t, "sk-test", cfg.Speech.APIKey, "speech falls back to the chat credentials")
	assert.True(t, cfg.Speech.Enabled)
	assert.Equal(t, uint(1), cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Duration(0), cfg.Storage.Retention)
	assert.Equal(t, "memory", cfg.History.Backend)
}

func TestLoadServerConfigAcceptsHostPort(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	cfg, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)

	t.Setenv("PORT", "80 80")
	_, err = loadServerConfig()
	assert.Error(t, err)
}

func TestLoadServerConfigCORSOrigins(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://a.test ,,http://b.test")
	cfg, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"AI_PROVIDER":      "anthropic",
		"HISTORY_BACKEND":  "mongo",
		"UPLOAD_RETENTION": "-1h",
		"CHAT_TEMPERATURE": "warm",
		"CHAT_STREAM":      "sometimes",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadChatStreamToggle(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CHAT_STREAM", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.AI.StreamResponse)
}

func TestArkProviderEnabled(t *testing.T) {
	cfg := AIConfig{Provider: "ark", ArkModel: "ep-1", ArkAccessKey: "ak"}
	assert.False(t, cfg.Enabled())

	cfg.ArkSecretKey = "sk"
	assert.True(t, cfg.Enabled())
}

func TestLoadPromptsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	content := "answer: |\n  Answer briefly.\n  {context}\nchat_override: \"\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PROMPT_CONTEXTUALIZE", "Rewrite the question.")

	prompts, err := LoadPrompts(path)
	require.NoError(t, err)

	assert.Equal(t, "Answer briefly.\n{context}\n", prompts.Answer)
	assert.Equal(t, "Rewrite the question.", prompts.Contextualize)
	assert.Equal(t, DefaultChatOverridePrompt, prompts.ChatOverride, "empty values keep the default")
}

func TestLoadPromptsRejectsAnswerWithoutContext(t *testing.T) {
	t.Setenv("PROMPT_ANSWER", "Just answer.")
	_, err := LoadPrompts("")
	assert.ErrorContains(t, err, "{context}")
}

func TestLoadPromptsMissingFile(t *testing.T) {
	_, err := LoadPrompts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSpeechServiceConfig(t *testing.T) {
	cfg := SpeechConfig{
		APIKey:    "sk-speech",
		STTModel:  "whisper-1",
		TTSVoice:  "nova",
		TTSFormat: "mp3",
		TTSSpeed:  1.25,
		Timeout:   15 * time.Second,
	}

	out := cfg.ServiceConfig()
	assert.Equal(t, "sk-speech", out.APIKey)
	assert.Equal(t, "whisper-1", out.STTModel)
	assert.Equal(t, "nova", out.TTSVoice)
	assert.Equal(t, "mp3", out.TTSFormat)
	assert.Equal(t, float32(1.25), out.TTSSpeed)
	assert.Equal(t, 15*time.Second, out.Timeout)
}
