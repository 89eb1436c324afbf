package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"relay/cmd/internal/ids"
)

type memJob struct {
	job         Job
	availableAt time.Time
	claimed     bool
}

// DeadJob is a dead-lettered job with the error that killed it.
type DeadJob struct {
	Job   Job
	Cause string
}

// InMemoryBroker is a dev-only Broker. Jobs are lost on restart.
type InMemoryBroker struct {
	mu     sync.Mutex
	jobs   []*memJob
	dead   []DeadJob
	notify chan struct{}
	closed bool

	pollInterval time.Duration
}

func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		notify:       make(chan struct{}),
		pollInterval: 250 * time.Millisecond,
	}
}

// broadcastLocked wakes every waiting Claim.
func (b *InMemoryBroker) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *InMemoryBroker) Enqueue(ctx context.Context, topic string, payload any) error {
	raw, err := marshalPayload(topic, payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.jobs = append(b.jobs, &memJob{
		job:         Job{ID: id, Topic: topic, Payload: raw, EnqueuedAt: now},
		availableAt: now,
	})
	b.broadcastLocked()
	return nil
}

func (b *InMemoryBroker) Claim(ctx context.Context, topics []string) (Job, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Job{}, ErrClosed
		}

		now := time.Now()
		var next time.Time
		for _, mj := range b.jobs {
			if mj.claimed || !slices.Contains(topics, mj.job.Topic) {
				continue
			}
			if !mj.availableAt.After(now) {
				mj.claimed = true
				mj.job.Attempts++
				job := mj.job
				b.mu.Unlock()
				return job, nil
			}
			if next.IsZero() || mj.availableAt.Before(next) {
				next = mj.availableAt
			}
		}
		wake := b.notify
		b.mu.Unlock()

		wait := b.pollInterval
		if !next.IsZero() {
			if d := next.Sub(now); d < wait {
				wait = d
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Job{}, ctx.Err()
		case <-wake:
		case <-t.C:
		}
		t.Stop()
	}
}

func (b *InMemoryBroker) indexLocked(id string) int {
	return slices.IndexFunc(b.jobs, func(mj *memJob) bool { return mj.job.ID == id })
}

func (b *InMemoryBroker) Ack(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexLocked(job.ID)
	if i < 0 {
		return ErrJobNotFound
	}
	b.jobs = slices.Delete(b.jobs, i, i+1)
	return nil
}

func (b *InMemoryBroker) Retry(_ context.Context, job Job, at time.Time, _ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexLocked(job.ID)
	if i < 0 {
		return ErrJobNotFound
	}
	b.jobs[i].claimed = false
	b.jobs[i].availableAt = at
	b.broadcastLocked()
	return nil
}

func (b *InMemoryBroker) Fail(_ context.Context, job Job, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexLocked(job.ID)
	if i < 0 {
		return ErrJobNotFound
	}
	b.dead = append(b.dead, DeadJob{Job: b.jobs[i].job, Cause: errText(cause)})
	b.jobs = slices.Delete(b.jobs, i, i+1)
	return nil
}

// Len reports jobs not yet acked or failed.
func (b *InMemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// Dead returns a copy of the dead-letter set.
func (b *InMemoryBroker) Dead() []DeadJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.dead)
}

func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcastLocked()
	}
	return nil
}
