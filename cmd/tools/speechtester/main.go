package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/config"
	speechmodel "github.com/zhouzirui/voicerag/backend/internal/model/speech"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
	"github.com/zhouzirui/voicerag/backend/internal/service/speech"
	"github.com/zhouzirui/voicerag/backend/internal/storage"
)

func main() {
	mode := flag.String("mode", "", "测试模式: asr 或 tts")
	audioPath := flag.String("audio", "", "ASR 输入音频文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	format := flag.String("format", "", "TTS 输出格式，默认使用 SPEECH_TTS_FORMAT")
	language := flag.String("lang", "", "ASR 语言代码，默认使用配置中的语言")
	voice := flag.String("voice", "", "TTS 声音，默认使用配置中的 TTSVoice")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	logger, err := observe.NewLogger(cfg.Log.Level, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("无法加载 .env，改用系统环境变量", zap.Error(envErr))
	}
	if !cfg.Speech.Enabled {
		logger.Fatal("语音服务未启用，请先配置 SPEECH_API_KEY 或 OPENAI_API_KEY")
	}
	if *mode != "asr" && *mode != "tts" {
		flag.Usage()
		logger.Fatal("请通过 -mode=asr 或 -mode=tts 指定测试模式")
	}

	scratch, err := os.MkdirTemp("", "speechtester-*")
	if err != nil {
		logger.Fatal("create scratch dir", zap.Error(err))
	}
	defer os.RemoveAll(scratch)

	store, err := storage.NewAudioStore(scratch, "/uploads", logger)
	if err != nil {
		logger.Fatal("create audio store", zap.Error(err))
	}
	svc, err := speech.NewService(cfg.Speech.ServiceConfig(), store, speech.WithLogger(logger))
	if err != nil {
		logger.Fatal("create speech service", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		err = runASR(ctx, svc, logger, *audioPath, *language)
	case "tts":
		err = runTTS(ctx, svc, logger, *text, *voice, *format, *outputPath)
	}
	if err != nil {
		logger.Fatal("speech test failed", zap.String("mode", *mode), zap.Error(err))
	}
}

func runASR(ctx context.Context, svc *speech.Service, logger *zap.Logger, audioPath, language string) error {
	if audioPath == "" {
		return fmt.Errorf("ASR 模式需要通过 -audio 指定音频文件路径")
	}

	file, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("打开音频文件失败: %w", err)
	}
	defer file.Close()

	if language == "" {
		language = svc.Config().STTLanguage
	}

	logger.Info("开始进行 ASR 测试", zap.String("file", audioPath), zap.String("language", language))
	start := time.Now()
	resp, err := svc.TranscribeAudio(ctx, &speechmodel.ASRRequest{
		AudioData: file,
		FileName:  filepath.Base(audioPath),
		Language:  language,
	})
	if err != nil {
		return err
	}

	logger.Info("ASR 识别成功",
		zap.String("text", resp.Text),
		zap.String("language", resp.Language),
		zap.Float64("audio_seconds", resp.Duration),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func runTTS(ctx context.Context, svc *speech.Service, logger *zap.Logger, text, voice, format, outputPath string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("TTS 模式需要通过 -text 提供待合成文本")
	}

	logger.Info("开始进行 TTS 测试", zap.String("voice", voice), zap.String("format", format))
	start := time.Now()
	resp, err := svc.SynthesizeSpeech(ctx, &speechmodel.TTSRequest{
		MessageID: fmt.Sprintf("manual-%d", time.Now().UnixNano()),
		Text:      text,
		Voice:     voice,
		Format:    format,
	})
	if err != nil {
		return err
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), resp.Format)
	}
	if err := os.WriteFile(outputPath, resp.AudioData, 0o644); err != nil {
		return fmt.Errorf("写入音频文件失败: %w", err)
	}

	logger.Info("TTS 合成成功",
		zap.String("out", outputPath),
		zap.Int("bytes", len(resp.AudioData)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
