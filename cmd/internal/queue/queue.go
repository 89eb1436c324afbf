// Package queue is an at-least-once work queue with topic-based dispatch.
//
// A Broker stores jobs; a Worker claims them, runs the handler registered for the job's
// topic and acks, retries with backoff, or dead-letters the job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed       = errors.New("queue: broker closed")
	ErrJobNotFound  = errors.New("queue: job not found")
	ErrInvalidTopic = errors.New("queue: invalid topic")
)

// Job is one delivery of an enqueued payload.
type Job struct {
	ID      string
	Topic   string
	Payload json.RawMessage
	// Attempts counts deliveries, including the current one.
	Attempts   int
	EnqueuedAt time.Time
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("queue: decode %s payload: %w", j.Topic, err))
	}
	return nil
}

// Broker is the storage side of the queue.
type Broker interface {
	Enqueue(ctx context.Context, topic string, payload any) error
	// Claim blocks until a job for one of topics is available, ctx is done or the broker is
	// closed. The job stays invisible to other consumers until it is acked, retried or failed.
	Claim(ctx context.Context, topics []string) (Job, error)
	Ack(ctx context.Context, job Job) error
	Retry(ctx context.Context, job Job, at time.Time, cause error) error
	// Fail moves the job to the dead-letter set.
	Fail(ctx context.Context, job Job, cause error) error
	Close() error
}

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker dead-letters the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func marshalPayload(topic string, payload any) (json.RawMessage, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s payload: %w", topic, err)
	}
	return b, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
