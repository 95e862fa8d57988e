// Command ingest 把文本或 markdown 文件切块、向量化后写入 pgvector 集合。
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cloudwego/eino/schema"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/config"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
	"github.com/zhouzirui/voicerag/backend/internal/service/rag"
)

var supportedExts = map[string]bool{".txt": true, ".md": true, ".markdown": true}

func main() {
	dir := flag.String("dir", "", "递归导入目录下的 .txt/.md 文件")
	collection := flag.String("collection", "", "目标集合，默认使用 VECTOR_COLLECTION")
	chunkSize := flag.Int("chunk-size", rag.DefaultSplitter.ChunkSize, "每块最大字符数")
	overlap := flag.Int("overlap", rag.DefaultSplitter.Overlap, "相邻块重叠字符数")
	dryRun := flag.Bool("dry-run", false, "只切块不写库")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := observe.NewLogger(cfg.Log.Level, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if envErr != nil {
		logger.Info("no .env file loaded", zap.Error(envErr))
	}

	paths := flag.Args()
	if *dir != "" {
		found, err := collectFiles(*dir)
		if err != nil {
			logger.Fatal("scan directory", zap.String("dir", *dir), zap.Error(err))
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		flag.Usage()
		logger.Fatal("no input files, pass paths or -dir")
	}

	splitter := rag.Splitter{ChunkSize: *chunkSize, Overlap: *overlap}
	docs, err := loadDocuments(paths, splitter)
	if err != nil {
		logger.Fatal("load documents", zap.Error(err))
	}
	logger.Info("documents chunked", zap.Int("files", len(paths)), zap.Int("chunks", len(docs)))
	if *dryRun {
		return
	}

	if *collection != "" {
		cfg.VectorStore.Collection = *collection
	}
	if err := ingest(ctx, cfg, docs, logger); err != nil {
		logger.Fatal("ingest failed", zap.Error(err))
	}
}

func ingest(ctx context.Context, cfg *config.Config, docs []*schema.Document, logger *zap.Logger) error {
	if !cfg.VectorStore.Enabled() {
		return fmt.Errorf("VECTOR_STORE_URL is not set")
	}
	if !cfg.AI.EmbeddingsEnabled() {
		return fmt.Errorf("embedding credentials are not configured")
	}

	embedder, err := cfg.AI.NewEmbedder()
	if err != nil {
		return err
	}
	pool, err := rag.NewPool(ctx, cfg.VectorStore.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := rag.Migrate(ctx, pool, cfg.VectorStore.Dimensions); err != nil {
		return err
	}
	pool.Reset()

	store, err := rag.NewVectorStore(pool, embedder, cfg.VectorStore.Collection, cfg.VectorStore.TopK)
	if err != nil {
		return err
	}
	ids, err := store.Store(ctx, docs)
	if err != nil {
		return fmt.Errorf("stored %d of %d chunks: %w", len(ids), len(docs), err)
	}

	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	logger.Info("ingest complete",
		zap.String("collection", cfg.VectorStore.Collection),
		zap.Int("stored", len(ids)),
		zap.Int64("collection_size", total),
	)
	return nil
}

// collectFiles 返回 root 下所有支持的文件，跳过隐藏目录。
func collectFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if supportedExts[strings.ToLower(filepath.Ext(path))] {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// loadDocuments 读取文件并切块。文档 ID 取文件名（不含扩展名），
// 重复导入同一文件会覆盖旧的块。
func loadDocuments(paths []string, splitter rag.Splitter) ([]*schema.Document, error) {
	var docs []*schema.Document
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}

		base := filepath.Base(path)
		id := strings.TrimSuffix(base, filepath.Ext(base))
		if prev, ok := seen[id]; ok {
			return nil, fmt.Errorf("%s and %s map to the same document id %q", prev, path, id)
		}
		seen[id] = path

		docs = append(docs, splitter.SplitDocument(&schema.Document{
			ID:       id,
			Content:  content,
			MetaData: map[string]any{"source": base},
		})...)
	}
	return docs, nil
}
