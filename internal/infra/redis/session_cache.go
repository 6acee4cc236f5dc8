package redis

import (
	"context"
	"encoding/json"
	"time"

	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/infra/metrics"
)

// SessionCache keeps the latest full session documents hot so repeated
// loads skip the database.
type SessionCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewSessionCache(client RedisClient, ttl time.Duration) *SessionCache {
	return &SessionCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *SessionCache) Store(ctx context.Context, session *model.ChatSession) error {
	key := "chat_session:" + session.ID
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl)
}

func (c *SessionCache) Get(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	key := "chat_session:" + sessionID
	data, err := c.client.Get(ctx, key)
	if err != nil {
		metrics.IncCache(false)
		return nil, err
	}

	var session model.ChatSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		metrics.IncCache(false)
		return nil, err
	}
	metrics.IncCache(true)
	return &session, nil
}

func (c *SessionCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, "chat_session:"+sessionID)
}

func (c *SessionCache) Extend(ctx context.Context, sessionID string) error {
	return c.client.Expire(ctx, "chat_session:"+sessionID, c.ttl)
}
