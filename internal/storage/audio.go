// Package storage keeps uploaded and synthesized audio in a flat directory
// that is also served to clients under a public URL prefix.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/speech"
)

const (
	// SpeechSuffix 合成语音文件名后缀（后接格式扩展名）。
	SpeechSuffix = "-speech"
	// UserSpeechSuffix 用户录音的默认文件名后缀。
	UserSpeechSuffix = "-user-speech.webm"

	userDir = "user"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrNotFound    = errors.New("audio file not found")
	ErrTooLarge    = errors.New("audio file too large")
)

// UploadFailure 文件读写失败。
type UploadFailure struct {
	Op   string
	Name string
	Err  error
}

func (e *UploadFailure) Error() string {
	return fmt.Sprintf("upload failure: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *UploadFailure) Unwrap() error { return e.Err }

// Upload 描述一次保存成功的用户上传。
type Upload struct {
	FileName string
	Path     string
	Locator  string
	Size     int64
}

// AudioStore 管理 <root>/ 下的合成语音与 <root>/user/ 下的用户录音。
type AudioStore struct {
	root         string
	publicPrefix string
	logger       *zap.Logger
}

// NewAudioStore 创建目录并返回存储实例。
func NewAudioStore(root, publicPrefix string, logger *zap.Logger) (*AudioStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("audio store: root directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, userDir), 0o755); err != nil {
		return nil, &UploadFailure{Op: "mkdir", Name: root, Err: err}
	}

	publicPrefix = "/" + strings.Trim(publicPrefix, "/")
	return &AudioStore{
		root:         root,
		publicPrefix: publicPrefix,
		logger:       logger.With(zap.String("component", "audio_store")),
	}, nil
}

// Root 返回本地根目录。
func (s *AudioStore) Root() string { return s.root }

// PublicPrefix 返回对外 URL 前缀，如 /uploads。
func (s *AudioStore) PublicPrefix() string { return s.publicPrefix }

// SaveUpload 保存用户录音。name 为空时生成 <uuid>-user-speech.webm。
// maxBytes <= 0 表示不限制大小。
func (s *AudioStore) SaveUpload(name string, r io.Reader, maxBytes int64) (*Upload, error) {
	if strings.TrimSpace(name) == "" {
		name = uuid.NewString() + UserSpeechSuffix
	}
	name, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}

	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}

	dir := filepath.Join(s.root, userDir)
	size, err := writeAtomic(dir, name, r, maxBytes)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user audio saved", zap.String("file", name), zap.Int64("bytes", size))
	return &Upload{
		FileName: name,
		Path:     filepath.Join(dir, name),
		Locator:  path.Join(s.publicPrefix, userDir, name),
		Size:     size,
	}, nil
}

// OpenUpload 打开用户录音。ref 可以是文件名或 SaveUpload 返回的 Locator。
func (s *AudioStore) OpenUpload(ref string) (*os.File, error) {
	name, err := s.resolveUpload(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.root, userDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, &UploadFailure{Op: "open", Name: name, Err: err}
	}
	return f, nil
}

// WriteSpeech 把合成音频写为 <messageID>-speech.<format>。同名文件被原子替换。
func (s *AudioStore) WriteSpeech(messageID, format string, data []byte) (*speech.AudioArtifact, error) {
	id, err := SanitizeName(messageID)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = "wav"
	}
	name := id + SpeechSuffix + "." + format

	size, err := writeAtomic(s.root, name, strings.NewReader(string(data)), 0)
	if err != nil {
		return nil, err
	}

	return &speech.AudioArtifact{
		Locator:         path.Join(s.publicPrefix, name),
		Path:            filepath.Join(s.root, name),
		OwningMessageID: messageID,
		Format:          format,
		Size:            size,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (s *AudioStore) resolveUpload(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, path.Join(s.publicPrefix, userDir)+"/")
	return SanitizeName(ref)
}

// SanitizeName 只接受不含路径成分的文件名。
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// writeAtomic 先写临时文件再 rename，读者不会看到写了一半的文件。
func writeAtomic(dir, name string, r io.Reader, maxBytes int64) (int64, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return 0, &UploadFailure{Op: "create", Name: name, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // rename 成功后为空操作

	size, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		return 0, &UploadFailure{Op: "write", Name: name, Err: copyErr}
	}
	if closeErr != nil {
		return 0, &UploadFailure{Op: "close", Name: name, Err: closeErr}
	}
	if maxBytes > 0 && size > maxBytes {
		return 0, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, maxBytes)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return 0, &UploadFailure{Op: "rename", Name: name, Err: err}
	}
	return size, nil
}
