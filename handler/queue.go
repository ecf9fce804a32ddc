package handler

import (
	"log/slog"
	"sync"
)

// serialQueue runs jobs one at a time per key, in the order they were
// enqueued. Jobs for different keys run concurrently, at most limit at once.
type serialQueue struct {
	mu      sync.Mutex
	pending map[int64][]func()
	wg      sync.WaitGroup
	slots   chan struct{}
	logger  *slog.Logger
}

func newSerialQueue(limit int, logger *slog.Logger) *serialQueue {
	if limit <= 0 {
		limit = 1
	}
	return &serialQueue{
		pending: make(map[int64][]func()),
		slots:   make(chan struct{}, limit),
		logger:  logger,
	}
}

// Enqueue schedules job behind every job already queued for key.
func (q *serialQueue) Enqueue(key int64, job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if jobs, running := q.pending[key]; running {
		q.pending[key] = append(jobs, job)
		return
	}
	q.pending[key] = nil
	q.wg.Add(1)
	go q.drain(key, job)
}

// Wait blocks until every enqueued job has finished.
func (q *serialQueue) Wait() {
	q.wg.Wait()
}

func (q *serialQueue) drain(key int64, job func()) {
	defer q.wg.Done()
	for {
		q.run(key, job)

		q.mu.Lock()
		jobs := q.pending[key]
		if len(jobs) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		job = jobs[0]
		q.pending[key] = jobs[1:]
		q.mu.Unlock()
	}
}

func (q *serialQueue) run(key int64, job func()) {
	q.slots <- struct{}{}
	defer func() { <-q.slots }()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "conversation_id", key, "panic", r)
		}
	}()
	job()
}
