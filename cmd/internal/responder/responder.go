package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relay/cmd/internal/queue"
	"relay/cmd/internal/session"
)

const DefaultSystemPrompt = "You are a helpful assistant replying to chat messages. Keep answers short."

// Sessions is the part of the session manager the responder sends through.
type Sessions interface {
	IsReady(uid string) bool
	Send(ctx context.Context, uid, to, text string) error
}

type Option func(*Responder)

func WithLogger(log *slog.Logger) Option {
	return func(r *Responder) {
		if log != nil {
			r.log = log
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(r *Responder) {
		if strings.TrimSpace(prompt) != "" {
			r.system = prompt
		}
	}
}

func WithHistoryLimit(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.limit = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Responder) {
		if now != nil {
			r.now = now
		}
	}
}

// Responder handles process-incoming-message jobs.
type Responder struct {
	log      *slog.Logger
	memory   Memory
	gen      Generator
	sessions Sessions
	system   string
	limit    int
	now      func() time.Time
}

func New(memory Memory, gen Generator, sessions Sessions, opts ...Option) (*Responder, error) {
	if memory == nil || gen == nil || sessions == nil {
		return nil, errors.New("responder: memory, generator and sessions are required")
	}
	r := &Responder{
		log:      slog.Default(),
		memory:   memory,
		gen:      gen,
		sessions: sessions,
		system:   DefaultSystemPrompt,
		limit:    DefaultMemoryLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Register binds the responder to its topic on w.
func (r *Responder) Register(w *queue.Worker) {
	w.Handle(session.TopicIncomingMessage, r.Handle)
}

// Handle stores the inbound turn, generates a reply, stores it and sends it if the user's
// session is ready. Turns are keyed by job id, so a retried job reuses what an earlier
// attempt already stored.
func (r *Responder) Handle(ctx context.Context, job queue.Job) error {
	var in session.IncomingMessage
	if err := job.Decode(&in); err != nil {
		return err
	}
	if in.UserUID == "" || in.From == "" {
		return queue.Permanent(fmt.Errorf("responder: job %s: missing userUid or from", job.ID))
	}
	uid := in.UserUID

	history, err := r.memory.Recent(ctx, uid, r.limit)
	if err != nil {
		return err
	}

	userID, replyID := job.ID+":user", job.ID+":assistant"
	if _, ok := findTurn(history, userID); !ok {
		turn := Message{ID: userID, Role: RoleUser, Content: in.Message, At: r.now().UTC()}
		if err := r.memory.Save(ctx, uid, turn); err != nil {
			return err
		}
		history = append(history, turn)
		if len(history) > r.limit {
			history = history[len(history)-r.limit:]
		}
	}

	reply, ok := findTurn(history, replyID)
	if !ok {
		start := r.now()
		text, err := r.gen.Generate(ctx, BuildPrompt(r.system, history))
		if err != nil {
			return fmt.Errorf("responder: generate reply: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			text = FallbackReply
		}
		reply = Message{ID: replyID, Role: RoleAssistant, Content: text, At: r.now().UTC()}
		if err := r.memory.Save(ctx, uid, reply); err != nil {
			return err
		}
		r.log.Debug("responder.reply.generated", "user_uid", uid, "job_id", job.ID, "duration_ms", r.now().Sub(start).Milliseconds())
	}

	if !r.sessions.IsReady(uid) {
		r.log.Info("responder.reply.skipped", "user_uid", uid, "job_id", job.ID, "reason", "session_not_ready")
		return nil
	}
	if err := r.sessions.Send(ctx, uid, in.From, reply.Content); err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrNotReady) {
			r.log.Info("responder.reply.skipped", "user_uid", uid, "job_id", job.ID, "reason", "session_gone")
			return nil
		}
		return fmt.Errorf("responder: send reply: %w", err)
	}
	r.log.Info("responder.reply.sent", "user_uid", uid, "job_id", job.ID, "to", in.From)
	return nil
}

func findTurn(history []Message, id string) (Message, bool) {
	for _, m := range history {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}
