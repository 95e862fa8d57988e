package speech

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	speechsvc "github.com/zhouzirui/voicerag/backend/internal/service/speech"
	"github.com/zhouzirui/voicerag/backend/internal/storage"
	"github.com/zhouzirui/voicerag/backend/pkg/utils"
)

// Uploader 保存用户上传的录音。
type Uploader interface {
	SaveUpload(name string, r io.Reader, maxBytes int64) (*storage.Upload, error)
}

// multipart 表单字段之外额外允许的字节数。
const formOverhead = 1 << 20

// Handler 语音服务的HTTP处理器
type Handler struct {
	uploader    Uploader
	transcriber speechsvc.Transcriber
	synthesizer speechsvc.Synthesizer
	maxBytes    int64
	logger      *zap.Logger
}

// New 创建语音处理器。maxBytes <= 0 表示不限制上传大小。
func New(uploader Uploader, transcriber speechsvc.Transcriber, synthesizer speechsvc.Synthesizer, maxBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		uploader:    uploader,
		transcriber: transcriber,
		synthesizer: synthesizer,
		maxBytes:    maxBytes,
		logger:      logger.With(zap.String("component", "speech_handler")),
	}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/upload-audio", h.handleUploadAudio)
	r.Post("/transcribe", h.handleTranscribe)
	r.Post("/upload", h.handleSynthesize)
}

// handleUploadAudio 保存 multipart 字段 file 中的录音
func (h *Handler) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+formOverhead)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	upload, err := h.uploader.SaveUpload(header.Filename, file, h.maxBytes)
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		utils.RespondError(w, http.StatusBadRequest, "Invalid file name")
		return
	case errors.Is(err, storage.ErrTooLarge):
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	case err != nil:
		h.logger.Error("save upload failed", zap.String("file", header.Filename), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "Error uploading file")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"message":  "File uploaded successfully",
		"fileName": upload.FileName,
		"filePath": upload.Locator,
	})
}

// handleTranscribe 转写之前上传的录音
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AudioFilePath string `json:"audioFilePath"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || strings.TrimSpace(payload.AudioFilePath) == "" {
		utils.RespondError(w, http.StatusBadRequest, "audioFilePath is required")
		return
	}

	text, err := h.transcriber.Transcribe(r.Context(), payload.AudioFilePath)
	if err != nil {
		h.logger.Error("transcribe failed", zap.String("audio", payload.AudioFilePath), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, transcribeErrorMessage(err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

// handleSynthesize 把回答文本合成为 <messageId>-speech.wav
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageID string `json:"messageId"`
		Text      string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	artifact, err := h.synthesizer.Synthesize(r.Context(), payload.Text, payload.MessageID)
	if err != nil {
		h.logger.Error("synthesize failed", zap.String("message_id", payload.MessageID), zap.Error(err))
		utils.RespondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"aiAudioFile": artifact.Locator})
}

func transcribeErrorMessage(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "Audio file not found"
	case errors.Is(err, storage.ErrInvalidName):
		return "Invalid audio file path"
	case errors.Is(err, speechsvc.ErrDisabled):
		return "Speech service unavailable"
	default:
		return "Error transcribing audio"
	}
}
