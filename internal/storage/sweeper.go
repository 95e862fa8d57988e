package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sweep 删除修改时间早于 now-maxAge 的音频文件，返回删除数量。
// maxAge <= 0 时不做任何事。
func (s *AudioStore) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-maxAge)

	var removed int
	var errs []error
	for _, dir := range []string{s.root, filepath.Join(s.root, userDir)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, &UploadFailure{Op: "readdir", Name: dir, Err: err})
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, &UploadFailure{Op: "remove", Name: entry.Name(), Err: err})
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Sweeper 周期性清理过期音频。
type Sweeper struct {
	store    *AudioStore
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewSweeper 创建清理器。maxAge <= 0 时 Run 直接返回。
func NewSweeper(store *AudioStore, maxAge, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "audio_sweeper")),
	}
}

// Run 阻塞直到 ctx 结束。
func (sw *Sweeper) Run(ctx context.Context) error {
	if sw.maxAge <= 0 {
		sw.logger.Info("audio retention disabled")
		return nil
	}

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.sweepOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sw.sweepOnce()
		}
	}
}

func (sw *Sweeper) sweepOnce() {
	removed, err := sw.store.Sweep(sw.now(), sw.maxAge)
	if err != nil {
		sw.logger.Warn("audio sweep finished with errors", zap.Int("removed", removed), zap.Error(err))
		return
	}
	if removed > 0 {
		sw.logger.Info("audio sweep", zap.Int("removed", removed))
	}
}
