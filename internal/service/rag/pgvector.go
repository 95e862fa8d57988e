package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/zhouzirui/voicerag/backend/internal/service/ai"
)

var (
	_ retriever.Retriever = (*VectorStore)(nil)
	_ indexer.Indexer     = (*VectorStore)(nil)
)

// MetaSource 文档来源（文件路径或 URL），写入 metadata。
const MetaSource = "source"

const embedBatchSize = 64

// VectorStore 基于 Postgres + pgvector 的文档集合，按余弦距离检索。
// 同一张表可容纳多个集合，以 collection 列区分。
type VectorStore struct {
	pool       *pgxpool.Pool
	embedder   embedding.Embedder
	collection string
	topK       int
}

// NewPool 建立连接池并在每个连接上注册 pgvector 类型。
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vector store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// 全新数据库在 Migrate 之前还没有 vector 类型，此时忽略注册失败。
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vector store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vector store: ping: %w", err)
	}
	return pool, nil
}

// NewVectorStore 绑定集合。topK <= 0 时默认 5。
func NewVectorStore(pool *pgxpool.Pool, embedder embedding.Embedder, collection string, topK int) (*VectorStore, error) {
	if pool == nil {
		return nil, errors.New("vector store: pool is required")
	}
	if embedder == nil {
		return nil, errors.New("vector store: embedder is required")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("vector store: collection is required")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return &VectorStore{pool: pool, embedder: embedder, collection: collection, topK: topK}, nil
}

// Retrieve implements retriever.Retriever.
func (s *VectorStore) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := s.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)

	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("vector store: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("vector store: expected 1 query vector, got %d", len(vectors))
	}

	const q = `
		SELECT id, content, metadata, embedding <=> $1 AS distance
		FROM   rag_documents
		WHERE  collection = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q,
		pgvector.NewVector(ai.Float64ToFloat32(vectors[0])),
		s.collection,
		*options.TopK,
	)
	if err != nil {
		return nil, fmt.Errorf("vector store: search: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*schema.Document, error) {
		var (
			doc      schema.Document
			rawMeta  []byte
			distance float64
		)
		if err := row.Scan(&doc.ID, &doc.Content, &rawMeta, &distance); err != nil {
			return nil, err
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &doc.MetaData); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		return doc.WithScore(1 - distance), nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: scan rows: %w", err)
	}

	if options.ScoreThreshold != nil {
		filtered := docs[:0]
		for _, doc := range docs {
			if doc.Score() >= *options.ScoreThreshold {
				filtered = append(filtered, doc)
			}
		}
		docs = filtered
	}
	return docs, nil
}

// Store implements indexer.Indexer. 缺少 ID 的文档会生成 uuid，同 ID 文档被整体替换。
func (s *VectorStore) Store(ctx context.Context, docs []*schema.Document, _ ...indexer.Option) ([]string, error) {
	ids := make([]string, 0, len(docs))

	for start := 0; start < len(docs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(docs))
		chunk := docs[start:end]

		texts := make([]string, len(chunk))
		for i, doc := range chunk {
			texts[i] = doc.Content
		}
		vectors, err := s.embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return ids, fmt.Errorf("vector store: embed documents: %w", err)
		}
		if len(vectors) != len(chunk) {
			return ids, fmt.Errorf("vector store: got %d vectors for %d documents", len(vectors), len(chunk))
		}

		const q = `
			INSERT INTO rag_documents (collection, id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (collection, id) DO UPDATE SET
			    content   = EXCLUDED.content,
			    metadata  = EXCLUDED.metadata,
			    embedding = EXCLUDED.embedding`

		batch := &pgx.Batch{}
		batchIDs := make([]string, len(chunk))
		for i, doc := range chunk {
			id := doc.ID
			if id == "" {
				id = uuid.NewString()
			}
			batchIDs[i] = id

			meta := doc.MetaData
			if meta == nil {
				meta = map[string]any{}
			}
			rawMeta, err := json.Marshal(meta)
			if err != nil {
				return ids, fmt.Errorf("vector store: encode metadata for %s: %w", id, err)
			}
			batch.Queue(q, s.collection, id, doc.Content, rawMeta, pgvector.NewVector(ai.Float64ToFloat32(vectors[i])))
		}

		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return ids, fmt.Errorf("vector store: upsert documents: %w", err)
		}
		ids = append(ids, batchIDs...)
	}
	return ids, nil
}

// Count 返回集合中的文档数。
func (s *VectorStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM rag_documents WHERE collection = $1`, s.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vector store: count: %w", err)
	}
	return n, nil
}

// Migrate 创建 pgvector 扩展与文档表。dimensions 必须与向量模型输出维度一致。
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("vector store: invalid embedding dimensions %d", dimensions)
	}

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_documents (
    collection  TEXT         NOT NULL,
    id          TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    embedding   vector(%d)   NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_rag_documents_embedding
    ON rag_documents USING hnsw (embedding vector_cosine_ops);
`, dimensions)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("vector store: migrate: %w", err)
	}
	return nil
}
