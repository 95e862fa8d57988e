package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/handler/chat"
	"github.com/zhouzirui/voicerag/backend/internal/handler/session"
	"github.com/zhouzirui/voicerag/backend/internal/handler/speech"
	"github.com/zhouzirui/voicerag/backend/internal/handler/stream"
	"github.com/zhouzirui/voicerag/backend/internal/middleware"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
	speechsvc "github.com/zhouzirui/voicerag/backend/internal/service/speech"
	"github.com/zhouzirui/voicerag/backend/pkg/utils"
)

// Services 路由依赖。为 nil 的服务对应的路由返回 503。
type Services struct {
	Answerer    chat.Answerer
	Streamer    stream.Streamer
	Sessions    session.Manager
	Uploader    speech.Uploader
	Transcriber speechsvc.Transcriber
	Synthesizer speechsvc.Synthesizer
}

// Options 路由的非业务配置。
type Options struct {
	ChatPrompt     string // /chat 与 /chat/stream 的回答模板
	DisableStream  bool   // 关闭 /chat/stream，客户端改用 /chat
	MaxUploadBytes int64
	UploadDir      string
	PublicPrefix   string
	CORSOrigins    []string
	RateLimiter    *middleware.RateLimiter
	Metrics        *observe.Collector
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics(opts.Metrics))
	r.Use(middleware.CORS(opts.CORSOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.UploadDir != "" {
		mountUploads(r, opts.PublicPrefix, opts.UploadDir)
	}

	r.Group(func(api chi.Router) {
		api.Use(opts.RateLimiter.Handler)

		if svc.Answerer != nil {
			chat.New(svc.Answerer, opts.ChatPrompt, logger).RegisterRoutes(api)
		} else {
			api.Post("/chat", unavailable("chat unavailable"))
		}

		switch {
		case opts.DisableStream:
			api.Get("/chat/stream", unavailable("chat streaming disabled"))
		case svc.Streamer != nil:
			stream.New(svc.Streamer, svc.Sessions, opts.ChatPrompt, logger).RegisterRoutes(api)
		default:
			api.Get("/chat/stream", unavailable("chat streaming unavailable"))
		}

		if svc.Uploader != nil && svc.Transcriber != nil && svc.Synthesizer != nil {
			speech.New(svc.Uploader, svc.Transcriber, svc.Synthesizer, opts.MaxUploadBytes, logger).RegisterRoutes(api)
		} else {
			api.Post("/upload-audio", unavailable("speech unavailable"))
			api.Post("/transcribe", unavailable("speech unavailable"))
			api.Post("/upload", unavailable("speech unavailable"))
		}

		if svc.Sessions != nil {
			session.New(svc.Sessions, logger).RegisterRoutes(api)
		} else {
			api.Handle("/sessions/*", unavailable("voice sessions unavailable"))
			api.Post("/sessions", unavailable("voice sessions unavailable"))
		}
	})

	return r
}

// mountUploads 以只读方式暴露音频目录，不列目录。
func mountUploads(r chi.Router, prefix, dir string) {
	prefix = "/" + strings.Trim(prefix, "/")
	files := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
		name := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]
		if name == "" || strings.HasPrefix(name, ".") {
			http.NotFound(w, req)
			return
		}
		files.ServeHTTP(w, req)
	})
}

func unavailable(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondError(w, http.StatusServiceUnavailable, message)
	}
}
