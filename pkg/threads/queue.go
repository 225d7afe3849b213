package threads

import (
	"context"
	"sync"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/rs/zerolog/log"
)

// Job is one unit of work run by a thread worker.
type Job func(ctx context.Context)

type worker struct {
	jobs    chan Job
	pending int
}

// Queue runs jobs with one worker goroutine per thread. Jobs of the same
// thread run one after another in submission order; jobs of different threads
// run concurrently. A worker is started on the first job of a thread and exits
// once its backlog is empty.
type Queue struct {
	mu      sync.Mutex
	depth   int
	workers map[conversation.ThreadID]*worker
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	onPending func(delta int)
}

type QueueOption func(*Queue)

// WithPendingObserver is called with +1 when a job is accepted and -1 when it finishes.
func WithPendingObserver(f func(delta int)) QueueOption {
	return func(q *Queue) {
		q.onPending = f
	}
}

// NewQueue creates a queue accepting at most depth unfinished jobs per thread.
func NewQueue(depth int, options ...QueueOption) *Queue {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		depth:     depth,
		workers:   map[conversation.ThreadID]*worker{},
		ctx:       ctx,
		cancel:    cancel,
		onPending: func(int) {},
	}
	for _, o := range options {
		o(q)
	}
	return q
}

// Enqueue schedules job on the worker of threadID.
func (q *Queue) Enqueue(threadID conversation.ThreadID, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	w, ok := q.workers[threadID]
	if !ok {
		w = &worker{jobs: make(chan Job, q.depth)}
		q.workers[threadID] = w
		q.wg.Add(1)
		go q.run(threadID, w)
	}
	if w.pending >= q.depth {
		return ErrQueueFull
	}
	w.pending++
	q.onPending(1)
	w.jobs <- job
	return nil
}

func (q *Queue) run(threadID conversation.ThreadID, w *worker) {
	defer q.wg.Done()
	log.Trace().Str("thread_id", threadID.String()).Msg("thread worker started")

	for job := range w.jobs {
		q.runJob(threadID, job)

		q.mu.Lock()
		w.pending--
		q.onPending(-1)
		if w.pending == 0 {
			delete(q.workers, threadID)
			q.mu.Unlock()
			log.Trace().Str("thread_id", threadID.String()).Msg("thread worker idle, exiting")
			return
		}
		q.mu.Unlock()
	}
}

func (q *Queue) runJob(threadID conversation.ThreadID, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("thread_id", threadID.String()).Interface("panic", r).Msg("thread job panicked")
		}
	}()
	job(q.ctx)
}

// Pending returns the number of unfinished jobs of threadID.
func (q *Queue) Pending(threadID conversation.ThreadID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[threadID]; ok {
		return w.pending
	}
	return 0
}

// Close stops accepting jobs and waits for the accepted ones to finish. When
// ctx expires first, running jobs are cancelled and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
