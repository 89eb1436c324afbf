package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMemoryLimit = 10
	DefaultMemoryTTL   = time.Hour
)

// Memory keeps the most recent turns per user. System turns are never stored.
type Memory interface {
	Save(ctx context.Context, uid string, msg Message) error
	// Recent returns up to limit turns, oldest first.
	Recent(ctx context.Context, uid string, limit int) ([]Message, error)
}

type InMemoryMemory struct {
	limit int
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	chats map[string]*chat
}

type chat struct {
	msgs    []Message
	expires time.Time
}

func NewInMemoryMemory(limit int, ttl time.Duration) *InMemoryMemory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &InMemoryMemory{limit: limit, ttl: ttl, now: time.Now, chats: make(map[string]*chat)}
}

func (m *InMemoryMemory) Save(_ context.Context, uid string, msg Message) error {
	if msg.Role == RoleSystem {
		return nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[uid]
	if !ok || !now.Before(c.expires) {
		c = &chat{}
		m.chats[uid] = c
	}
	c.msgs = append(c.msgs, msg)
	if len(c.msgs) > m.limit {
		c.msgs = slices.Clone(c.msgs[len(c.msgs)-m.limit:])
	}
	c.expires = now.Add(m.ttl)
	return nil
}

func (m *InMemoryMemory) Recent(_ context.Context, uid string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[uid]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(c.expires) {
		delete(m.chats, uid)
		return nil, nil
	}
	msgs := c.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

// RedisMemory keeps each user's turns in a capped list at chat-history:<uid>, newest at the
// head, expiring after the TTL measured from the last save.
type RedisMemory struct {
	rdb   redis.UniversalClient
	limit int
	ttl   time.Duration
}

func NewRedisMemory(rdb redis.UniversalClient, limit int, ttl time.Duration) (*RedisMemory, error) {
	if rdb == nil {
		return nil, errors.New("responder: nil redis client")
	}
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &RedisMemory{rdb: rdb, limit: limit, ttl: ttl}, nil
}

func chatKey(uid string) string { return "chat-history:" + uid }

func (m *RedisMemory) Save(ctx context.Context, uid string, msg Message) error {
	if msg.Role == RoleSystem {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("responder: encode message: %w", err)
	}
	key := chatKey(uid)
	_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, b)
		p.LTrim(ctx, key, 0, int64(m.limit-1))
		p.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("responder: save message: %w", err)
	}
	return nil
}

func (m *RedisMemory) Recent(ctx context.Context, uid string, limit int) ([]Message, error) {
	if limit <= 0 || limit > m.limit {
		limit = m.limit
	}
	raw, err := m.rdb.LRange(ctx, chatKey(uid), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("responder: load history: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg Message
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			return nil, fmt.Errorf("responder: decode history entry: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}
