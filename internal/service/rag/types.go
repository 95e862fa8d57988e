// Package rag 实现带历史改写的检索增强问答链：
// 追问改写 → 向量检索 → 基于检索内容生成回答。
package rag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// 流水线阶段名，同时用作指标与 span 标签。
const (
	StageContextualize = "contextualize"
	StageRetrieve      = "retrieve"
	StageAnswer        = "answer"
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrEmptyAnswer   = errors.New("model returned an empty answer")
)

// RetrievalFailure 任一阶段失败时返回，不带部分结果。
type RetrievalFailure struct {
	Stage string
	Err   error
}

func (e *RetrievalFailure) Error() string {
	return fmt.Sprintf("retrieval pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *RetrievalFailure) Unwrap() error { return e.Err }

// Usage 单次请求内所有模型调用的 token 用量之和。Add 累加一次响应的用量。
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func (u *Usage) Add(meta *schema.ResponseMeta) {
	if meta == nil || meta.Usage == nil {
		return
	}
	u.PromptTokens += meta.Usage.PromptTokens
	u.CompletionTokens += meta.Usage.CompletionTokens
	u.TotalTokens += meta.Usage.TotalTokens
}

// Answer 一次问答的完整结果。
type Answer struct {
	Answer             string             `json:"answer"`
	StandaloneQuestion string             `json:"standaloneQuestion"`
	SourceDocuments    []*schema.Document `json:"sourceDocuments"`
	Usage              Usage              `json:"usage"`
}

// StreamAnswer 流式问答：改写与检索已完成，Stream 逐块输出回答。
// 调用方负责关闭 Stream。
type StreamAnswer struct {
	StandaloneQuestion string
	SourceDocuments    []*schema.Document
	Usage              Usage
	Stream             *schema.StreamReader[*schema.Message]
}

// SourceDocument 返回给客户端的检索片段，字段名沿用 LangChain 的 Document。
type SourceDocument struct {
	ID          string         `json:"id,omitempty"`
	PageContent string         `json:"pageContent"`
	Metadata    map[string]any `json:"metadata"`
	Score       float64        `json:"score"`
}

// ToSourceDocuments 转换检索结果，丢弃以下划线开头的内部元数据。
func ToSourceDocuments(docs []*schema.Document) []SourceDocument {
	out := make([]SourceDocument, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		meta := make(map[string]any, len(doc.MetaData))
		for k, v := range doc.MetaData {
			if strings.HasPrefix(k, "_") {
				continue
			}
			meta[k] = v
		}
		out = append(out, SourceDocument{
			ID:          doc.ID,
			PageContent: doc.Content,
			Metadata:    meta,
			Score:       doc.Score(),
		})
	}
	return out
}
