package rag

import (
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Splitter 按段落切分文本，单个片段不超过 ChunkSize 个字符，相邻片段重叠 Overlap 个字符。
type Splitter struct {
	ChunkSize int
	Overlap   int
}

// DefaultSplitter 入库工具的默认切分参数。
var DefaultSplitter = Splitter{ChunkSize: 1000, Overlap: 200}

// Split 返回非空片段，顺序与原文一致。
func (s Splitter) Split(text string) []string {
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultSplitter.ChunkSize
	}
	overlap := s.Overlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var (
		chunks  []string
		current []rune
		fresh   bool // current 中有尚未输出的新内容
	)
	emit := func() {
		if fresh {
			if chunk := strings.TrimSpace(string(current)); chunk != "" {
				chunks = append(chunks, chunk)
			}
		}
		fresh = false
		if overlap > 0 && len(current) > overlap {
			current = append([]rune(nil), current[len(current)-overlap:]...)
		} else {
			current = nil
		}
	}
	add := func(runes []rune) {
		if len(current) > 0 {
			current = append(current, '\n')
		}
		current = append(current, runes...)
		fresh = true
	}
	sep := func() int {
		if len(current) > 0 {
			return 1
		}
		return 0
	}

	text = strings.ToValidUTF8(strings.ReplaceAll(text, "\r\n", "\n"), "")
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)

		if len(current)+sep()+len(runes) <= size {
			add(runes)
			continue
		}
		if fresh {
			emit()
		}

		// 超长段落按字符硬切
		for len(runes) > 0 {
			room := size - len(current) - sep()
			if room <= 0 {
				current = nil
				continue
			}
			take := min(room, len(runes))
			add(runes[:take])
			runes = runes[take:]
			if len(runes) > 0 {
				emit()
			}
		}
	}
	if fresh {
		emit()
	}
	return chunks
}

// SplitDocument 切分文档，片段 ID 为 <docID>#<序号>，并继承原文档的 metadata。
func (s Splitter) SplitDocument(doc *schema.Document) []*schema.Document {
	parts := s.Split(doc.Content)
	out := make([]*schema.Document, 0, len(parts))
	for i, part := range parts {
		meta := make(map[string]any, len(doc.MetaData)+1)
		for k, v := range doc.MetaData {
			meta[k] = v
		}
		meta["chunk"] = i

		id := ""
		if doc.ID != "" {
			id = doc.ID + "#" + strconv.Itoa(i)
		}
		out = append(out, &schema.Document{ID: id, Content: part, MetaData: meta})
	}
	return out
}
