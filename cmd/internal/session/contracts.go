package session

import (
	"context"
	"time"
)

// Backend creates per-user connections to the external messaging service.
type Backend interface {
	// Create starts connecting for uid. ctx bounds only the connect step, not the life of
	// the Handle. The first lifecycle event on Events is one of handshake token, ready or
	// auth failed.
	Create(ctx context.Context, uid string) (Handle, error)
}

// Handle is one live backend connection. The manager is its only owner.
type Handle interface {
	// Events is closed after Close, or when the connection ends on its own. Sends on it
	// must not block once Close has been called.
	Events() <-chan Event
	Send(ctx context.Context, to, text string) error
	Close() error
}

// Store is the persisted session record the manager writes to.
type Store interface {
	SaveHandshakeToken(ctx context.Context, uid, token string, ttl time.Duration) error
	ClearQR(ctx context.Context, uid string) error
	SaveLastActivity(ctx context.Context, uid string, at time.Time, ttl time.Duration) error
	LastActivity(ctx context.Context, uid string) (time.Time, bool, error)
	SetStatus(ctx context.Context, uid, status string) error
	ClearAll(ctx context.Context, uid string) error
}

// Enqueuer hands inbound messages to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload any) error
}

// TopicIncomingMessage is the queue topic for inbound messages.
const TopicIncomingMessage = "process-incoming-message"

// IncomingMessage is the job payload published for every inbound message.
type IncomingMessage struct {
	UserUID string `json:"userUid"`
	From    string `json:"from"`
	Message string `json:"message"`
}
