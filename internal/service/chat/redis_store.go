package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/voicerag/backend/internal/model/chat"
)

var _ HistoryStore = (*RedisStore)(nil)

// RedisStore 把会话与消息保存在 Redis 中：
// <prefix>session:<id> 存会话 JSON，<prefix>messages:<id> 为消息 JSON 列表。
// 每次写入都会刷新两个 key 的 TTL。
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisOptions Redis 历史存储配置。
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisStore 连接 Redis 并验证可用性。
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisStoreWithClient 复用已有客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "voicerag:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Close 关闭底层连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionKey(id string) string  { return s.keyPrefix + "session:" + id }
func (s *RedisStore) messagesKey(id string) string { return s.keyPrefix + "messages:" + id }

// CreateSession 创建会话。
func (s *RedisStore) CreateSession(ctx context.Context) (chat.Session, error) {
	session := newSession()
	data, err := json.Marshal(session)
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(session.ID), data, s.ttl).Err(); err != nil {
		return chat.Session{}, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// GetSession 读取会话。
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	var session chat.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return chat.Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

// AppendMessages 在一个 MULTI/EXEC 事务中追加消息并刷新 TTL。
func (s *RedisStore) AppendMessages(ctx context.Context, sessionID string, messages ...chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}

	prepared, err := prepareMessages(sessionID, messages)
	if err != nil {
		return err
	}
	values := make([]any, 0, len(prepared))
	for _, msg := range prepared {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, data)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.messagesKey(sessionID), values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.messagesKey(sessionID), s.ttl)
			pipe.Expire(ctx, s.sessionKey(sessionID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	return nil
}

// LoadTranscript 按追加顺序返回全部消息。
func (s *RedisStore) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	messages := make([]chat.Message, 0, len(raw))
	for _, item := range raw {
		var msg chat.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
