package telemetry

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	defaultCapacity = 1000
	defaultWorkers  = 4
	maxAttempts     = 3
)

type job struct {
	rec     *Record
	attempt int
}

// Queue is the bounded asynchronous pipeline between the request path and
// the sink. Enqueue never blocks: when the queue is full the record is
// dropped and counted, because inference latency outranks audit
// completeness.
type Queue struct {
	sink    Sink
	jobs    chan *job
	logger  *log.Logger
	wg      sync.WaitGroup
	workers int

	// backoff is swappable for tests; it returns the pause before retry
	// attempt n (1-based).
	backoff func(attempt int) time.Duration

	mu     sync.Mutex
	closed bool
}

// QueueConfig sizes the pipeline. Zero values take defaults.
type QueueConfig struct {
	Capacity int
	Workers  int
	Backoff  func(attempt int) time.Duration
}

// NewQueue starts the worker pool immediately.
func NewQueue(sink Sink, cfg QueueConfig) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		}
	}

	q := &Queue{
		sink:    sink,
		jobs:    make(chan *job, cfg.Capacity),
		logger:  log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		workers: cfg.Workers,
		backoff: cfg.Backoff,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue hands a record to the worker pool. It never blocks and never
// fails the caller: a full queue drops the record.
func (q *Queue) Enqueue(rec *Record) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		metrics.dropped.Inc()
		return
	}

	select {
	case q.jobs <- &job{rec: rec, attempt: 1}:
		q.mu.Unlock()
		metrics.enqueued.Inc()
	default:
		q.mu.Unlock()
		metrics.dropped.Inc()
		q.logger.Printf("⚠️  Queue full, dropping record %s", rec.RecordID)
	}
}

// Depth reports how many records are waiting.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.deliver(j)
	}
}

func (q *Queue) deliver(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := q.sink.Insert(ctx, j.rec)
	cancel()
	if err == nil {
		metrics.written.Inc()
		return
	}

	if j.attempt < maxAttempts {
		q.logger.Printf("⚠️  Write failed for %s (attempt %d/%d): %v",
			j.rec.RecordID, j.attempt, maxAttempts, err)
		time.Sleep(q.backoff(j.attempt))
		j.attempt++
		q.deliver(j)
		return
	}

	metrics.deadLettered.Inc()
	q.logger.Printf("❌ Record %s exhausted retries, dead-lettering: %v", j.rec.RecordID, err)
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if dlErr := q.sink.DeadLetter(ctx, j.rec, err.Error()); dlErr != nil {
		q.logger.Printf("❌ Dead-letter write failed for %s: %v", j.rec.RecordID, dlErr)
	}
}

// Close stops accepting records and drains the queue. If ctx expires
// before the workers finish, the remaining records are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.logger.Printf("⏰ Shutdown deadline hit with %d records still queued", len(q.jobs))
		return ctx.Err()
	}
}
