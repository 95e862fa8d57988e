package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/voicerag/backend/internal/service/chat"
)

// Manager 按会话 ID 管理控制器，并把每轮消息写入历史存储。
type Manager struct {
	store  chatservice.HistoryStore
	deps   Dependencies
	logger *zap.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
	refs        map[string]int
}

// NewManager 创建会话管理器。
func NewManager(store chatservice.HistoryStore, deps Dependencies) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session manager: history store is required")
	}
	if deps.Transcriber == nil || deps.Synthesizer == nil || deps.Answerer == nil || deps.Audio == nil {
		return nil, errors.New("session manager: transcriber, synthesizer, answerer and audio store are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
		deps.Logger = logger
	}

	return &Manager{
		store:       store,
		deps:        deps,
		logger:      logger.With(zap.String("component", "session_manager")),
		controllers: make(map[string]*Controller),
		refs:        make(map[string]int),
	}, nil
}

// Create 在历史存储中新建会话。控制器在第一次 Acquire 时才建立。
func (m *Manager) Create(ctx context.Context) (chat.Session, error) {
	session, err := m.store.CreateSession(ctx)
	if err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session created", zap.String("session_id", session.ID))
	return session, nil
}

// Acquire 返回会话控制器并登记一个使用者，用完后必须调用 Release。
// 同一会话的所有使用者共享一个控制器；进程内没有时从历史存储恢复。
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Controller, error) {
	m.mu.Lock()
	if ctrl, ok := m.controllers[sessionID]; ok {
		m.refs[sessionID]++
		m.mu.Unlock()
		return ctrl, nil
	}
	m.mu.Unlock()

	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	transcript, err := m.store.LoadTranscript(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.controllers[sessionID]
	if !ok {
		ctrl = m.newController(sessionID, transcript)
		m.controllers[sessionID] = ctrl
	}
	m.refs[sessionID]++
	return ctrl, nil
}

// Release 释放一个使用者。没有使用者时控制器从内存移除，历史仍保留在存储中。
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[sessionID] > 1 {
		m.refs[sessionID]--
		return
	}
	delete(m.refs, sessionID)
	delete(m.controllers, sessionID)
}

// Transcript 返回会话的持久化记录。
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	return m.store.LoadTranscript(ctx, sessionID)
}

// active 返回进程内的控制器数量。
func (m *Manager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

func (m *Manager) newController(sessionID string, history []chat.Message) *Controller {
	persist := func(ctx context.Context, messages ...chat.Message) error {
		return m.store.AppendMessages(ctx, sessionID, messages...)
	}
	return NewController(sessionID, m.deps, history, persist)
}
