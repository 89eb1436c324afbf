package responder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"relay/cmd/internal/queue"
	"relay/cmd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct{ mock.Mock }

func (m *mockGenerator) Generate(ctx context.Context, prompt []Message) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type mockSessions struct{ mock.Mock }

func (m *mockSessions) IsReady(uid string) bool {
	return m.Called(uid).Bool(0)
}

func (m *mockSessions) Send(ctx context.Context, uid, to, text string) error {
	return m.Called(ctx, uid, to, text).Error(0)
}

func incomingJob(t *testing.T, id string, msg session.IncomingMessage) queue.Job {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return queue.Job{ID: id, Topic: session.TopicIncomingMessage, Payload: payload, EnqueuedAt: time.Now()}
}

func newTestResponder(t *testing.T, mem Memory, gen Generator, s Sessions) *Responder {
	t.Helper()
	r, err := New(mem, gen, s, WithSystemPrompt("be brief"))
	require.NoError(t, err)
	return r
}

func TestHandle_RepliesThroughReadySession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewInMemoryMemory(10, time.Hour)
	require.NoError(t, mem.Save(ctx, "alice", Message{Role: RoleUser, Content: "earlier"}))

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p []Message) bool {
		return len(p) == 3 && p[0].Role == RoleSystem && p[0].Content == "be brief" &&
			p[1].Content == "earlier" && p[2].Content == "hola"
	})).Return("hi!", nil).Once()

	s := &mockSessions{}
	s.On("IsReady", "alice").Return(true)
	s.On("Send", mock.Anything, "alice", "1555@c.us", "hi!").Return(nil).Once()

	r := newTestResponder(t, mem, gen, s)
	job := incomingJob(t, "job-1", session.IncomingMessage{UserUID: "alice", From: "1555@c.us", Message: "hola"})
	require.NoError(t, r.Handle(ctx, job))

	history, err := mem.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"earlier", "hola", "hi!"}, contents(history))
	gen.AssertExpectations(t)
	s.AssertExpectations(t)
}

func TestHandle_RedeliveryReusesStoredTurns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewInMemoryMemory(10, time.Hour)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("reply", nil).Once()

	s := &mockSessions{}
	s.On("IsReady", "alice").Return(true)
	s.On("Send", mock.Anything, "alice", "1@c.us", "reply").Return(errors.New("bridge down")).Once()
	s.On("Send", mock.Anything, "alice", "1@c.us", "reply").Return(nil).Once()

	r := newTestResponder(t, mem, gen, s)
	job := incomingJob(t, "job-2", session.IncomingMessage{UserUID: "alice", From: "1@c.us", Message: "hola"})

	require.Error(t, r.Handle(ctx, job))
	require.NoError(t, r.Handle(ctx, job))

	history, err := mem.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"hola", "reply"}, contents(history))
	gen.AssertNumberOfCalls(t, "Generate", 1)
	s.AssertExpectations(t)
}

func TestHandle_SessionNotReadyStoresButSkipsSend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewInMemoryMemory(10, time.Hour)
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("later", nil)
	s := &mockSessions{}
	s.On("IsReady", "bob").Return(false)

	r := newTestResponder(t, mem, gen, s)
	require.NoError(t, r.Handle(ctx, incomingJob(t, "job-3", session.IncomingMessage{UserUID: "bob", From: "1@c.us", Message: "hey"})))

	history, _ := mem.Recent(ctx, "bob", 10)
	assert.Equal(t, []string{"hey", "later"}, contents(history))
	s.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_SessionGoneDuringSend(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("x", nil)
	s := &mockSessions{}
	s.On("IsReady", "bob").Return(true)
	s.On("Send", mock.Anything, "bob", "1@c.us", "x").Return(session.ErrNotFound)

	r := newTestResponder(t, NewInMemoryMemory(10, time.Hour), gen, s)
	err := r.Handle(context.Background(), incomingJob(t, "job-4", session.IncomingMessage{UserUID: "bob", From: "1@c.us", Message: "hey"}))
	assert.NoError(t, err)
}

func TestHandle_EmptyReplyFallsBack(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("  ", nil)
	s := &mockSessions{}
	s.On("IsReady", "carol").Return(true)
	s.On("Send", mock.Anything, "carol", "1@c.us", FallbackReply).Return(nil).Once()

	r := newTestResponder(t, NewInMemoryMemory(10, time.Hour), gen, s)
	require.NoError(t, r.Handle(context.Background(), incomingJob(t, "job-5", session.IncomingMessage{UserUID: "carol", From: "1@c.us", Message: "?"})))
	s.AssertExpectations(t)
}

func TestHandle_GeneratorErrorIsRetryable(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("rate limited"))
	r := newTestResponder(t, NewInMemoryMemory(10, time.Hour), gen, &mockSessions{})

	err := r.Handle(context.Background(), incomingJob(t, "job-6", session.IncomingMessage{UserUID: "dave", From: "1@c.us", Message: "x"}))
	require.Error(t, err)
	var perm *queue.PermanentError
	assert.False(t, errors.As(err, &perm))
}

func TestHandle_BadPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	r := newTestResponder(t, NewInMemoryMemory(10, time.Hour), &mockGenerator{}, &mockSessions{})
	var perm *queue.PermanentError

	err := r.Handle(context.Background(), queue.Job{ID: "j", Topic: session.TopicIncomingMessage, Payload: json.RawMessage(`{"userUid":`)})
	assert.True(t, errors.As(err, &perm))

	err = r.Handle(context.Background(), incomingJob(t, "j2", session.IncomingMessage{UserUID: "", From: "1@c.us"}))
	assert.True(t, errors.As(err, &perm))
}

func TestHandle_ThroughWorker(t *testing.T) {
	t.Parallel()

	broker := queue.NewInMemoryBroker()
	defer broker.Close()

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("pong", nil)
	sent := make(chan string, 1)
	s := &mockSessions{}
	s.On("IsReady", "erin").Return(true)
	s.On("Send", mock.Anything, "erin", "1@c.us", "pong").Run(func(args mock.Arguments) {
		sent <- args.String(3)
	}).Return(nil)

	r := newTestResponder(t, NewInMemoryMemory(10, time.Hour), gen, s)
	w := queue.NewWorker(broker, queue.DefaultWorkerConfig())
	r.Register(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, broker.Enqueue(ctx, session.TopicIncomingMessage, session.IncomingMessage{UserUID: "erin", From: "1@c.us", Message: "ping"}))

	select {
	case got := <-sent:
		assert.Equal(t, "pong", got)
	case <-time.After(2 * time.Second):
		t.Fatal("reply not sent")
	}
	cancel()
	<-done
}
