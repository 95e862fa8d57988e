package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/voicerag/backend/internal/config"
	"github.com/zhouzirui/voicerag/backend/internal/handler"
	"github.com/zhouzirui/voicerag/backend/internal/middleware"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
	chatservice "github.com/zhouzirui/voicerag/backend/internal/service/chat"
	"github.com/zhouzirui/voicerag/backend/internal/service/rag"
	"github.com/zhouzirui/voicerag/backend/internal/service/session"
	"github.com/zhouzirui/voicerag/backend/internal/service/speech"
	"github.com/zhouzirui/voicerag/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observe.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observe.NewCollector("voicerag", reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	audio, err := storage.NewAudioStore(cfg.Storage.UploadDir, cfg.Storage.PublicPrefix, logger)
	if err != nil {
		return err
	}

	history, closeHistory, err := newHistoryStore(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	pipeline, closePool, err := newPipeline(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer closePool()

	speechSvc := newSpeechService(cfg, audio, metrics, logger)

	services := handler.Services{Uploader: audio}
	if pipeline != nil {
		services.Answerer = pipeline
		services.Streamer = pipeline
	}
	if speechSvc != nil {
		services.Transcriber = speechSvc
		services.Synthesizer = speechSvc
	}
	if pipeline != nil && speechSvc != nil {
		manager, err := session.NewManager(history, session.Dependencies{
			Transcriber:    speechSvc,
			Synthesizer:    speechSvc,
			Answerer:       pipeline,
			Audio:          audio,
			MaxAudioBytes:  cfg.Storage.MaxUploadBytes,
			PromptOverride: cfg.Prompts.ChatOverride,
			Metrics:        metrics,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		services.Sessions = manager
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
	router := handler.NewRouter(services, handler.Options{
		ChatPrompt:     cfg.Prompts.ChatOverride,
		DisableStream:  !cfg.AI.StreamResponse,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		UploadDir:      audio.Root(),
		PublicPrefix:   audio.PublicPrefix(),
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimiter:    limiter,
		Metrics:        metrics,
		Gatherer:       reg,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	sweeper := storage.NewSweeper(audio, cfg.Storage.Retention, cfg.Storage.SweepInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runServer(gctx, srv, logger) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	return g.Wait()
}

func newHistoryStore(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (chatservice.HistoryStore, func(), error) {
	if cfg.Backend != "redis" {
		logger.Info("using in-memory conversation history")
		return chatservice.NewMemoryStore(), func() {}, nil
	}

	store, err := chatservice.NewRedisStore(ctx, chatservice.RedisOptions{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.KeyPrefix,
		TTL:       cfg.TTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis history store: %w", err)
	}
	logger.Info("using redis conversation history", zap.String("addr", cfg.RedisAddr))
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}, nil
}

// newPipeline 模型或向量库未配置时返回 nil，问答相关路由降级为 503。
func newPipeline(ctx context.Context, cfg *config.Config, metrics *observe.Collector, logger *zap.Logger) (*rag.Pipeline, func(), error) {
	noop := func() {}
	if !cfg.AI.Enabled() {
		logger.Warn("chat model credentials not configured, question answering disabled")
		return nil, noop, nil
	}
	if !cfg.VectorStore.Enabled() {
		logger.Warn("VECTOR_STORE_URL not set, question answering disabled")
		return nil, noop, nil
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return nil, noop, fmt.Errorf("create chat model: %w", err)
	}
	embedder, err := cfg.AI.NewEmbedder()
	if err != nil {
		return nil, noop, fmt.Errorf("create embedder: %w", err)
	}

	pool, err := rag.NewPool(ctx, cfg.VectorStore.DSN)
	if err != nil {
		return nil, noop, err
	}
	if err := rag.Migrate(ctx, pool, cfg.VectorStore.Dimensions); err != nil {
		pool.Close()
		return nil, noop, err
	}
	// Migrate 之前建立的连接没有注册 vector 类型
	pool.Reset()

	store, err := rag.NewVectorStore(pool, embedder, cfg.VectorStore.Collection, cfg.VectorStore.TopK)
	if err != nil {
		pool.Close()
		return nil, noop, err
	}

	pipeline, err := rag.NewPipeline(ctx, chatModel, store, rag.Config{
		ContextualizePrompt: cfg.Prompts.Contextualize,
		AnswerPrompt:        cfg.Prompts.Answer,
		TopK:                cfg.VectorStore.TopK,
		HistoryLimit:        cfg.AI.HistoryLimit,
	}, rag.WithLogger(logger), rag.WithCollector(metrics))
	if err != nil {
		pool.Close()
		return nil, noop, fmt.Errorf("build retrieval pipeline: %w", err)
	}

	logger.Info("retrieval pipeline ready",
		zap.String("provider", cfg.AI.Provider),
		zap.String("collection", cfg.VectorStore.Collection),
		zap.Int("top_k", cfg.VectorStore.TopK),
	)
	return pipeline, pool.Close, nil
}

func newSpeechService(cfg *config.Config, audio *storage.AudioStore, metrics *observe.Collector, logger *zap.Logger) *speech.Service {
	if !cfg.Speech.Enabled {
		logger.Warn("speech credentials not configured, speech routes disabled")
		return nil
	}

	svc, err := speech.NewService(cfg.Speech.ServiceConfig(), audio,
		speech.WithRetry(speech.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
		speech.WithLogger(logger),
		speech.WithCollector(metrics),
	)
	if err != nil {
		logger.Warn("speech service unavailable", zap.Error(err))
		return nil
	}
	logger.Info("speech service ready",
		zap.String("stt_model", cfg.Speech.STTModel),
		zap.String("tts_model", cfg.Speech.TTSModel),
	)
	return svc
}

func runServer(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("voice rag backend listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
