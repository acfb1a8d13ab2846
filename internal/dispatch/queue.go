package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rmacedo/docproc/internal/entity"
)

// ErrQueueClosed is returned by Enqueue once Shutdown has begun; the batch
// was not queued and will never dispatch.
var ErrQueueClosed = errors.New("dispatch queue is shut down")

// Job carries one batch to a dispatch worker. Files keep their transfer
// encoding in memory; it is dropped once the batch is sent.
type Job struct {
	Record      *entity.ProcessingRecord
	Files       []entity.FileRecord
	SubmittedAt time.Time
}

// Queue runs dispatches on a bounded worker pool so submissions return
// promptly while the engine blocks on retries.
type Queue struct {
	engine  *Engine
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithDispatchTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewQueue(engine *Engine, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		engine:  engine,
		logger:  logger,
		workers: 4,
		timeout: 5 * time.Minute,
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("dispatch worker started", "worker_id", workerID)

				for job := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					err := q.engine.Dispatch(ctx, job.Record, job.Files)
					cancel()

					if err != nil {
						q.logger.Error("dispatch failed", "worker_id", workerID, "processing_id", job.Record.ID, "error", err)
					} else {
						q.logger.Info("dispatched batch", "worker_id", workerID, "processing_id", job.Record.ID)
					}
				}

				q.logger.Info("dispatch worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *Queue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "processing_id", job.Record.ID)
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		q.logger.Info("queued batch for dispatch", "processing_id", job.Record.ID, "files", len(job.Files))
	default:
		q.logger.Warn("dispatch queue full, applying backpressure", "processing_id", job.Record.ID)
		q.ch <- job
	}
	return nil
}

func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("dispatch queue drained, shutdown complete")
	}
}
