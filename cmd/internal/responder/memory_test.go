package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMemory_KeepsLatestInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewInMemoryMemory(3, time.Hour)

	require.NoError(t, m.Save(ctx, "alice", Message{Role: RoleSystem, Content: "ignored"}))
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Save(ctx, "alice", Message{Role: RoleUser, Content: fmt.Sprint(i)}))
	}

	got, err := m.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"3", "4", "5"}, contents(got))

	got, err = m.Recent(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "5"}, contents(got))

	got, err = m.Recent(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInMemoryMemory_Expires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1000, 0)
	m := NewInMemoryMemory(10, time.Minute)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Save(ctx, "alice", Message{Role: RoleUser, Content: "hi"}))
	now = now.Add(59 * time.Second)
	require.NoError(t, m.Save(ctx, "alice", Message{Role: RoleAssistant, Content: "hello"}))

	now = now.Add(59 * time.Second)
	got, err := m.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2, "ttl is refreshed by every save")

	now = now.Add(2 * time.Second)
	got, err = m.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMessageJSON(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1700000000123).UTC()
	b, err := json.Marshal(Message{ID: "j1:user", Role: RoleUser, Content: "hi", At: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"j1:user","role":"user","content":"hi","timestamp":1700000000123}`, string(b))

	var back Message
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.At.Equal(at))
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	history := []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleSystem, Content: "stored system"},
		{Role: RoleAssistant, Content: "b"},
	}
	got := BuildPrompt("be brief", history)
	require.Len(t, got, 3)
	assert.Equal(t, RoleSystem, got[0].Role)
	assert.Equal(t, "be brief", got[0].Content)
	assert.Equal(t, []string{"be brief", "a", "b"}, contents(got))
}

func TestRedisMemory_Integration(t *testing.T) {
	url := os.Getenv("RELAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RELAY_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	uid := fmt.Sprintf("responder-test-%d", time.Now().UnixNano())
	defer rdb.Del(ctx, chatKey(uid))

	m, err := NewRedisMemory(rdb, 3, time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Save(ctx, uid, Message{Role: RoleSystem, Content: "never stored"}))
	for i := 1; i <= 4; i++ {
		require.NoError(t, m.Save(ctx, uid, Message{Role: RoleUser, Content: fmt.Sprint(i), At: time.Now()}))
	}

	got, err := m.Recent(ctx, uid, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, contents(got))

	n, err := rdb.LLen(ctx, chatKey(uid)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	ttl, err := rdb.TTL(ctx, chatKey(uid)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
