// Package session 实现单个会话的语音对话状态机：
// Idle → Listening → Transcribing → Answering → Speaking → Idle。
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	speechmodel "github.com/zhouzirui/voicerag/backend/internal/model/speech"
	"github.com/zhouzirui/voicerag/backend/internal/observe"
	"github.com/zhouzirui/voicerag/backend/internal/service/rag"
	"github.com/zhouzirui/voicerag/backend/internal/service/speech"
	"github.com/zhouzirui/voicerag/backend/internal/storage"
)

// State 会话状态。
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateAnswering    State = "answering"
	StateSpeaking     State = "speaking"
)

var (
	// ErrTurnInFlight 上一轮对话尚未结束。
	ErrTurnInFlight = errors.New("a conversation turn is already in progress")
	// ErrInvalidTransition 当前状态不允许该操作。
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNoSpeech 录音中没有识别到语音。
	ErrNoSpeech = errors.New("no speech detected")
	// ErrEmptyText 提交的文本为空。
	ErrEmptyText = errors.New("text is empty")
)

// Answerer 检索问答。
type Answerer interface {
	Answer(ctx context.Context, question string, history []chat.HistoryTurn, promptOverride string) (*rag.Answer, error)
}

// AudioSaver 保存用户录音。
type AudioSaver interface {
	SaveUpload(name string, r io.Reader, maxBytes int64) (*storage.Upload, error)
}

// Persister 持久化一轮对话产生的消息，全部成功或全部失败。
type Persister func(ctx context.Context, messages ...chat.Message) error

// Dependencies 控制器依赖的外部组件。
type Dependencies struct {
	Transcriber    speech.Transcriber
	Synthesizer    speech.Synthesizer
	Answerer       Answerer
	Audio          AudioSaver
	MaxAudioBytes  int64
	PromptOverride string
	Metrics        *observe.Collector
	Logger         *zap.Logger
}

// TurnResult 一轮完整对话的产出。
type TurnResult struct {
	UserMessage      chat.Message
	AssistantMessage chat.Message
	Answer           *rag.Answer
	Audio            *speechmodel.AudioArtifact
}

// Controller 单个会话的状态机。状态只在持锁时读写，外部调用期间不持锁。
type Controller struct {
	id      string
	deps    Dependencies
	persist Persister
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	audio   bytes.Buffer
	interim string
	history []chat.Message
	subs    map[int]func(State)
	nextSub int
}

// NewController 创建控制器。history 为已有的对话记录，persist 可为 nil。
func NewController(id string, deps Dependencies, history []chat.Message, persist Persister) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	copied := make([]chat.Message, len(history))
	copy(copied, history)

	return &Controller{
		id:      id,
		deps:    deps,
		persist: persist,
		logger:  logger.With(zap.String("component", "session"), zap.String("session_id", id)),
		state:   StateIdle,
		history: copied,
		subs:    make(map[int]func(State)),
	}
}

// ID 返回会话 ID。
func (c *Controller) ID() string { return c.id }

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe 注册状态变更回调，返回的函数只注销本次注册的回调。
// 回调在触发变更的 goroutine 中、锁外执行。
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// History 按追加顺序返回消息副本。
func (c *Controller) History() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Interim 返回实时识别的中间结果。
func (c *Controller) Interim() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interim
}

// StartCapture Idle → Listening。
func (c *Controller) StartCapture() error {
	return c.transition(func() error {
		if c.state != StateIdle {
			return ErrTurnInFlight
		}
		c.audio.Reset()
		c.interim = ""
		c.state = StateListening
		return nil
	})
}

// AppendAudio 追加录音数据，仅在 Listening 时有效。
func (c *Controller) AppendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateListening {
		return fmt.Errorf("%w: append audio while %s", ErrInvalidTransition, c.state)
	}
	if limit := c.deps.MaxAudioBytes; limit > 0 && int64(c.audio.Len()+len(chunk)) > limit {
		return fmt.Errorf("%w: limit %d bytes", storage.ErrTooLarge, limit)
	}
	c.audio.Write(chunk)
	return nil
}

// SetInterim 记录实时识别的中间结果，仅在 Listening 时有效。
func (c *Controller) SetInterim(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateListening {
		return fmt.Errorf("%w: interim transcript while %s", ErrInvalidTransition, c.state)
	}
	c.interim = text
	return nil
}

// StopCapture 结束录音并完成整轮对话：保存录音、识别、问答、合成。
// 中间结果被丢弃，以识别服务的最终结果为准。
func (c *Controller) StopCapture(ctx context.Context, format string) (*TurnResult, error) {
	var data []byte
	err := c.transition(func() error {
		if c.state != StateListening {
			return fmt.Errorf("%w: stop capture while %s", ErrInvalidTransition, c.state)
		}
		data = append([]byte(nil), c.audio.Bytes()...)
		c.audio.Reset()
		c.interim = ""
		c.state = StateTranscribing
		return nil
	})
	if err != nil {
		return nil, err
	}

	userID := uuid.NewString()
	upload, err := c.deps.Audio.SaveUpload(userID+"-user-speech."+audioExt(format), bytes.NewReader(data), c.deps.MaxAudioBytes)
	if err != nil {
		return nil, c.fail("save_audio", err)
	}

	text, err := c.deps.Transcriber.Transcribe(ctx, upload.FileName)
	if err != nil {
		return nil, c.fail("transcribe", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, c.fail("transcribe", ErrNoSpeech)
	}

	if err := c.setState(StateTranscribing, StateAnswering); err != nil {
		return nil, c.fail("transcribe", err)
	}
	return c.answerTurn(ctx, chat.Message{ID: userID, Role: chat.RoleUser, Text: text, AudioRef: upload.Locator})
}

// SubmitText 直接提交文字问题：Idle → Answering → Speaking。
func (c *Controller) SubmitText(ctx context.Context, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	err := c.transition(func() error {
		if c.state != StateIdle {
			return ErrTurnInFlight
		}
		c.state = StateAnswering
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c.answerTurn(ctx, chat.Message{ID: uuid.NewString(), Role: chat.RoleUser, Text: text})
}

// TextTurn 回答由调用方生成的一轮文字对话（如 SSE 流式问答）。
// 开始时占用会话，Commit 或 Abort 之后释放；两者只有第一次调用生效。
type TextTurn struct {
	c        *Controller
	question string
	history  []chat.HistoryTurn
	start    time.Time

	mu   sync.Mutex
	done bool
}

// BeginTextTurn Idle → Answering，返回按顺序回放的历史快照。
func (c *Controller) BeginTextTurn(text string) (*TextTurn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	var history []chat.HistoryTurn
	err := c.transition(func() error {
		if c.state != StateIdle {
			return ErrTurnInFlight
		}
		history = chat.ToHistory(c.history)
		c.state = StateAnswering
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TextTurn{c: c, question: text, history: history, start: time.Now()}, nil
}

// Question 返回本轮问题。
func (t *TextTurn) Question() string { return t.question }

// History 返回开始时的历史快照。
func (t *TextTurn) History() []chat.HistoryTurn { return t.history }

// Commit 持久化并追加一问一答：Answering → Idle。没有音频，不经过 Speaking。
func (t *TextTurn) Commit(ctx context.Context, answer string) (user, assistant chat.Message, err error) {
	if !t.finish() {
		return chat.Message{}, chat.Message{}, fmt.Errorf("%w: turn already finished", ErrInvalidTransition)
	}
	c := t.c

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return chat.Message{}, chat.Message{}, c.fail("answer", rag.ErrEmptyAnswer)
	}

	now := time.Now().UTC()
	user = chat.Message{ID: uuid.NewString(), SessionID: c.id, Role: chat.RoleUser, Text: t.question, CreatedAt: now}
	assistant = chat.Message{ID: uuid.NewString(), SessionID: c.id, Role: chat.RoleAssistant, Text: answer, CreatedAt: now}

	if c.persist != nil {
		if err := c.persist(ctx, user, assistant); err != nil {
			return chat.Message{}, chat.Message{}, c.fail("persist", err)
		}
	}

	err = c.transition(func() error {
		if c.state != StateAnswering {
			return fmt.Errorf("%w: answer ready while %s", ErrInvalidTransition, c.state)
		}
		c.history = append(c.history, user, assistant)
		c.state = StateIdle
		return nil
	})
	if err != nil {
		return chat.Message{}, chat.Message{}, c.fail("answer", err)
	}

	c.deps.Metrics.RecordTurn(observe.OutcomeOK)
	c.logger.Info("text turn completed",
		zap.String("assistant_message_id", assistant.ID),
		zap.Duration("elapsed", time.Since(t.start)),
	)
	return user, assistant, nil
}

// Abort 放弃本轮，不追加任何消息：Answering → Idle。
func (t *TextTurn) Abort(err error) {
	if !t.finish() {
		return
	}
	if err == nil {
		err = context.Canceled
	}
	_ = t.c.fail("answer", err)
}

func (t *TextTurn) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// PlaybackEnded 播放结束：Speaking → Idle。
func (c *Controller) PlaybackEnded() error {
	return c.setState(StateSpeaking, StateIdle)
}

// StopPlayback 立即停止播放：Speaking → Idle，已记录的消息保留。
func (c *Controller) StopPlayback() error {
	return c.setState(StateSpeaking, StateIdle)
}

func (c *Controller) answerTurn(ctx context.Context, userMsg chat.Message) (*TurnResult, error) {
	start := time.Now()
	history := chat.ToHistory(c.History())

	answer, err := c.deps.Answerer.Answer(ctx, userMsg.Text, history, c.deps.PromptOverride)
	if err != nil {
		return nil, c.fail("answer", err)
	}

	assistantID := uuid.NewString()
	artifact, err := c.deps.Synthesizer.Synthesize(ctx, answer.Answer, assistantID)
	if err != nil {
		return nil, c.fail("synthesize", err)
	}

	now := time.Now().UTC()
	userMsg.SessionID = c.id
	userMsg.CreatedAt = now
	assistantMsg := chat.Message{
		ID:        assistantID,
		SessionID: c.id,
		Role:      chat.RoleAssistant,
		Text:      answer.Answer,
		AudioRef:  artifact.Locator,
		CreatedAt: now,
	}

	if c.persist != nil {
		if err := c.persist(ctx, userMsg, assistantMsg); err != nil {
			return nil, c.fail("persist", err)
		}
	}

	err = c.transition(func() error {
		if c.state != StateAnswering {
			return fmt.Errorf("%w: answer ready while %s", ErrInvalidTransition, c.state)
		}
		c.history = append(c.history, userMsg, assistantMsg)
		c.state = StateSpeaking
		return nil
	})
	if err != nil {
		return nil, c.fail("answer", err)
	}

	c.deps.Metrics.RecordTurn(observe.OutcomeOK)
	c.logger.Info("turn completed",
		zap.String("user_message_id", userMsg.ID),
		zap.String("assistant_message_id", assistantID),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &TurnResult{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Answer:           answer,
		Audio:            artifact,
	}, nil
}

// fail 回到 Idle，不追加任何消息。
func (c *Controller) fail(stage string, err error) error {
	_ = c.transition(func() error {
		c.audio.Reset()
		c.interim = ""
		c.state = StateIdle
		return nil
	})

	outcome := observe.OutcomeError
	if errors.Is(err, ErrNoSpeech) {
		outcome = "no_speech"
		c.logger.Info("turn ended without speech")
	} else {
		c.logger.Warn("turn failed", zap.String("stage", stage), zap.Error(err))
	}
	c.deps.Metrics.RecordTurn(outcome)
	return err
}

// setState 仅当当前状态为 from 时切换到 to。
func (c *Controller) setState(from, to State) error {
	return c.transition(func() error {
		if c.state != from {
			return fmt.Errorf("%w: %s → %s while %s", ErrInvalidTransition, from, to, c.state)
		}
		c.state = to
		return nil
	})
}

// transition 持锁执行 fn，状态变化时在锁外通知所有订阅者。
func (c *Controller) transition(fn func() error) error {
	c.mu.Lock()
	before := c.state
	err := fn()
	after := c.state
	var notify []func(State)
	if err == nil && before != after {
		notify = make([]func(State), 0, len(c.subs))
		for _, fn := range c.subs {
			notify = append(notify, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range notify {
		fn(after)
	}
	return err
}

var extPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// audioExt 把客户端声明的格式（webm、audio/ogg;codecs=opus 等）规整为扩展名。
func audioExt(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if i := strings.IndexByte(format, ';'); i >= 0 {
		format = format[:i]
	}
	format = strings.TrimPrefix(format, "audio/")
	if !extPattern.MatchString(format) {
		return "webm"
	}
	return format
}
