package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
)

const (
	defaultTopK         = 5
	defaultHistoryLimit = 10
)

// Config 流水线参数。
type Config struct {
	ContextualizePrompt string
	AnswerPrompt        string
	TopK                int
	HistoryLimit        int
}

// Pipeline 检索增强问答链。并发安全，每次调用的状态只存在于该调用内。
type Pipeline struct {
	chatModel        model.BaseChatModel
	retriever        retriever.Retriever
	cfg              Config
	contextualizeTpl prompt.ChatTemplate
	answerChain      compose.Runnable[*turnState, *turnState]
	prepareChain     compose.Runnable[*turnState, *turnState]
	metrics          *observe.Collector
	logger           *zap.Logger
}

// Option 配置 Pipeline。
type Option func(*Pipeline)

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCollector 设置指标收集器。
func WithCollector(c *observe.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// turnState 在链的各节点之间传递。
type turnState struct {
	question     string
	history      []*schema.Message
	systemPrompt string

	standalone string
	docs       []*schema.Document
	answer     string
	usage      Usage

	failure *RetrievalFailure
}

// NewPipeline 编译问答链。
func NewPipeline(ctx context.Context, chatModel model.BaseChatModel, r retriever.Retriever, cfg Config, opts ...Option) (*Pipeline, error) {
	if chatModel == nil {
		return nil, errors.New("rag pipeline: chat model is required")
	}
	if r == nil {
		return nil, errors.New("rag pipeline: retriever is required")
	}
	if strings.TrimSpace(cfg.ContextualizePrompt) == "" {
		return nil, errors.New("rag pipeline: contextualize prompt is required")
	}
	if !strings.Contains(cfg.AnswerPrompt, "{context}") {
		return nil, errors.New("rag pipeline: answer prompt must contain {context}")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	p := &Pipeline{
		chatModel: chatModel,
		retriever: r,
		cfg:       cfg,
		contextualizeTpl: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage(cfg.ContextualizePrompt),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{question}"),
		),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "rag"))

	prepare := compose.NewChain[*turnState, *turnState]()
	prepare.
		AppendLambda(compose.InvokableLambda(p.contextualize), compose.WithNodeName(StageContextualize)).
		AppendLambda(compose.InvokableLambda(p.retrieve), compose.WithNodeName(StageRetrieve))

	var err error
	if p.prepareChain, err = prepare.Compile(ctx); err != nil {
		return nil, fmt.Errorf("failed to compile prepare chain: %w", err)
	}

	full := compose.NewChain[*turnState, *turnState]()
	full.
		AppendLambda(compose.InvokableLambda(p.contextualize), compose.WithNodeName(StageContextualize)).
		AppendLambda(compose.InvokableLambda(p.retrieve), compose.WithNodeName(StageRetrieve)).
		AppendLambda(compose.InvokableLambda(p.answer), compose.WithNodeName(StageAnswer))

	if p.answerChain, err = full.Compile(ctx); err != nil {
		return nil, fmt.Errorf("failed to compile answer chain: %w", err)
	}

	return p, nil
}

// Answer 改写问题、检索并生成回答。promptOverride 非空时替换默认回答提示词。
func (p *Pipeline) Answer(ctx context.Context, question string, history []chat.HistoryTurn, promptOverride string) (*Answer, error) {
	st, err := p.newState(question, history, promptOverride)
	if err != nil {
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "rag.Answer", attribute.Int("history.turns", len(st.history)))
	start := time.Now()

	out, err := p.answerChain.Invoke(ctx, st)
	if err != nil {
		failure := st.failureOr(err)
		observe.EndSpan(span, failure)
		p.logger.Warn("rag answer failed", zap.String("stage", failure.Stage), zap.Error(failure.Err))
		return nil, failure
	}
	observe.EndSpan(span, nil)

	p.metrics.RecordTokens(out.usage.PromptTokens, out.usage.CompletionTokens)
	p.logger.Info("rag answer generated",
		zap.Int("history_turns", len(out.history)),
		zap.Int("documents", len(out.docs)),
		zap.Int("answer_length", len(out.answer)),
		zap.Int("total_tokens", out.usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Answer{
		Answer:             out.answer,
		StandaloneQuestion: out.standalone,
		SourceDocuments:    out.docs,
		Usage:              out.usage,
	}, nil
}

// Stream 完成改写与检索后，以流的形式输出回答。
func (p *Pipeline) Stream(ctx context.Context, question string, history []chat.HistoryTurn, promptOverride string) (*StreamAnswer, error) {
	st, err := p.newState(question, history, promptOverride)
	if err != nil {
		return nil, err
	}

	out, err := p.prepareChain.Invoke(ctx, st)
	if err != nil {
		return nil, st.failureOr(err)
	}

	messages, err := p.answerMessages(ctx, out)
	if err != nil {
		return nil, &RetrievalFailure{Stage: StageAnswer, Err: err}
	}

	stream, err := p.chatModel.Stream(ctx, messages)
	if err != nil {
		p.metrics.RecordStage(StageAnswer, err, 0)
		return nil, &RetrievalFailure{Stage: StageAnswer, Err: err}
	}

	return &StreamAnswer{
		StandaloneQuestion: out.standalone,
		SourceDocuments:    out.docs,
		Usage:              out.usage,
		Stream:             stream,
	}, nil
}

func (p *Pipeline) newState(question string, history []chat.HistoryTurn, promptOverride string) (*turnState, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &RetrievalFailure{Stage: StageContextualize, Err: ErrEmptyQuestion}
	}

	systemPrompt := p.cfg.AnswerPrompt
	if strings.TrimSpace(promptOverride) != "" {
		systemPrompt = promptOverride
	}

	return &turnState{
		question:     question,
		history:      toSchemaHistory(history, p.cfg.HistoryLimit),
		systemPrompt: systemPrompt,
	}, nil
}

// contextualize 有历史时把追问改写为独立问题，无历史时原样透传。
func (p *Pipeline) contextualize(ctx context.Context, st *turnState) (*turnState, error) {
	if len(st.history) == 0 {
		st.standalone = st.question
		return st, nil
	}

	err := p.stage(ctx, st, StageContextualize, func(ctx context.Context) error {
		messages, err := p.contextualizeTpl.Format(ctx, map[string]any{
			"history":  st.history,
			"question": st.question,
		})
		if err != nil {
			return fmt.Errorf("format contextualize prompt: %w", err)
		}

		resp, err := p.chatModel.Generate(ctx, messages)
		if err != nil {
			return err
		}
		st.usage.Add(resp.ResponseMeta)

		st.standalone = strings.TrimSpace(resp.Content)
		if st.standalone == "" {
			st.standalone = st.question
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("question contextualized",
		zap.String("question", st.question),
		zap.String("standalone", st.standalone),
	)
	return st, nil
}

func (p *Pipeline) retrieve(ctx context.Context, st *turnState) (*turnState, error) {
	err := p.stage(ctx, st, StageRetrieve, func(ctx context.Context) error {
		docs, err := p.retriever.Retrieve(ctx, st.standalone, retriever.WithTopK(p.cfg.TopK))
		if err != nil {
			return err
		}
		st.docs = docs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (p *Pipeline) answer(ctx context.Context, st *turnState) (*turnState, error) {
	err := p.stage(ctx, st, StageAnswer, func(ctx context.Context) error {
		messages, err := p.answerMessages(ctx, st)
		if err != nil {
			return err
		}

		resp, err := p.chatModel.Generate(ctx, messages)
		if err != nil {
			return err
		}
		st.usage.Add(resp.ResponseMeta)

		st.answer = strings.TrimSpace(resp.Content)
		if st.answer == "" {
			return ErrEmptyAnswer
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// answerMessages 改写后的独立问题只用于检索，回答模型看到的是用户原始问题与历史。
func (p *Pipeline) answerMessages(ctx context.Context, st *turnState) ([]*schema.Message, error) {
	tpl := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(st.systemPrompt),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{question}"),
	)

	messages, err := tpl.Format(ctx, map[string]any{
		"context":  joinDocuments(st.docs),
		"question": st.question,
		"history":  st.history,
	})
	if err != nil {
		return nil, fmt.Errorf("format answer prompt: %w", err)
	}
	return messages, nil
}

// stage 为单个阶段记录 span 与耗时，并把错误包装为 RetrievalFailure。
func (p *Pipeline) stage(ctx context.Context, st *turnState, name string, fn func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "rag."+name)
	start := time.Now()

	err := fn(ctx)
	p.metrics.RecordStage(name, err, time.Since(start))
	observe.EndSpan(span, err)

	if err != nil {
		st.failure = &RetrievalFailure{Stage: name, Err: err}
		return st.failure
	}
	return nil
}

// failureOr 优先返回节点记录的失败，否则把链本身的错误包装起来。
func (st *turnState) failureOr(err error) *RetrievalFailure {
	if st.failure != nil {
		return st.failure
	}
	var failure *RetrievalFailure
	if errors.As(err, &failure) {
		return failure
	}
	return &RetrievalFailure{Stage: "chain", Err: err}
}

// toSchemaHistory 保留最近 limit 条历史，顺序不变。
func toSchemaHistory(turns []chat.HistoryTurn, limit int) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit
	}

	history := make([]*schema.Message, 0, len(turns)-start)
	for _, turn := range turns[start:] {
		switch turn.Speaker {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Text))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return history
}

func joinDocuments(docs []*schema.Document) string {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			continue
		}
		parts = append(parts, doc.Content)
	}
	return strings.Join(parts, "\n\n")
}
