package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one job. Returning an error retries the job unless it is wrapped
// with Permanent or the job has used all its attempts.
type HandlerFunc func(ctx context.Context, job Job) error

type WorkerConfig struct {
	Concurrency int
	MaxAttempts int
	JobTimeout  time.Duration
	Backoff     BackoffConfig
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 4,
		MaxAttempts: 5,
		JobTimeout:  60 * time.Second,
		Backoff:     DefaultBackoff(),
	}
}

// Worker consumes jobs from a Broker.
type Worker struct {
	broker  Broker
	cfg     WorkerConfig
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

type WorkerOption func(*Worker)

func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(broker Broker, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	d := DefaultWorkerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = d.JobTimeout
	}

	w := &Worker{
		broker:   broker,
		cfg:      cfg,
		log:      slog.Default(),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers fn for topic, replacing any previous handler.
func (w *Worker) Handle(topic string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[topic] = fn
}

func (w *Worker) topics() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (w *Worker) handler(topic string) HandlerFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[topic]
}

// Run consumes until ctx is done or the broker closes. In-flight jobs finish first.
func (w *Worker) Run(ctx context.Context) error {
	if w.broker == nil {
		return errors.New("queue: nil broker")
	}
	topics := w.topics()
	if len(topics) == 0 {
		return errors.New("queue: no handlers registered")
	}

	w.log.Info("queue.worker.start", "topics", topics, "concurrency", w.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.consume(gctx, topics) })
	}
	err := g.Wait()
	w.log.Info("queue.worker.stop")
	return err
}

func (w *Worker) consume(ctx context.Context, topics []string) error {
	failures := 0
	for {
		job, err := w.broker.Claim(ctx, topics)
		switch {
		case err == nil:
			failures = 0
			w.process(ctx, job)
			continue
		case ctx.Err() != nil, errors.Is(err, ErrClosed):
			return nil
		}

		failures++
		delay := w.cfg.Backoff.Delay(failures)
		w.log.Warn("queue.claim.fail", "err", err, "retry_in_ms", delay.Milliseconds())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// process runs one job to completion even if ctx is cancelled meanwhile; JobTimeout bounds it.
func (w *Worker) process(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := w.call(runCtx, job)
	elapsed := time.Since(start)

	log := w.log.With("job_id", job.ID, "topic", job.Topic, "attempt", job.Attempts)

	if err == nil {
		if ackErr := w.broker.Ack(runCtx, job); ackErr != nil {
			log.Error("queue.job.ack_fail", "err", ackErr)
		}
		w.metrics.observe(job.Topic, "ack", elapsed)
		log.Debug("queue.job.done", "duration_ms", elapsed.Milliseconds())
		return
	}

	var perm *PermanentError
	if errors.As(err, &perm) || job.Attempts >= w.cfg.MaxAttempts {
		if failErr := w.broker.Fail(runCtx, job, err); failErr != nil {
			log.Error("queue.job.fail_fail", "err", failErr)
		}
		w.metrics.observe(job.Topic, "dead", elapsed)
		log.Error("queue.job.dead", "err", err, "permanent", perm != nil)
		return
	}

	delay := w.cfg.Backoff.Delay(job.Attempts)
	if retryErr := w.broker.Retry(runCtx, job, time.Now().Add(delay), err); retryErr != nil {
		log.Error("queue.job.retry_fail", "err", retryErr)
	}
	w.metrics.observe(job.Topic, "retry", elapsed)
	log.Warn("queue.job.retry", "err", err, "retry_in_ms", delay.Milliseconds())
}

func (w *Worker) call(ctx context.Context, job Job) (err error) {
	fn := w.handler(job.Topic)
	if fn == nil {
		return Permanent(fmt.Errorf("queue: no handler for topic %q", job.Topic))
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("queue.job.panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return fn(ctx, job)
}
