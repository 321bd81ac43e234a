package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// defaultQueueDepth bounds the number of pending remote writes.
	defaultQueueDepth = 256

	// remoteWriteTimeout caps how long a single remote write may take
	// before the worker moves on.
	remoteWriteTimeout = 10 * time.Second
)

// syncJob is one pending remote write. Exactly one of node or edge is
// set.
type syncJob struct {
	node *NodeRecord
	edge *EdgeRecord
}

// SyncQueue applies writes to the remote tier in the background so
// storing a memory never blocks on the network. Writes are applied in
// enqueue order by a single worker. When the queue is full new writes
// are dropped and counted; the durable tier is best-effort and the
// local tier remains authoritative for the running process.
type SyncQueue struct {
	remote  Remote
	jobs    chan syncJob
	log     zerolog.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64
	pending atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewSyncQueue starts the background worker. depth <= 0 uses the
// default queue depth.
func NewSyncQueue(remote Remote, depth int, log zerolog.Logger) *SyncQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &SyncQueue{
		remote: remote,
		jobs:   make(chan syncJob, depth),
		log:    log,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// EnqueueNode schedules a node upsert. Returns false when the queue
// is full or closed and the write was dropped.
func (q *SyncQueue) EnqueueNode(rec NodeRecord) bool {
	return q.enqueue(syncJob{node: &rec})
}

// EnqueueEdge schedules an edge write. Returns false when the queue
// is full or closed and the write was dropped.
func (q *SyncQueue) EnqueueEdge(rec EdgeRecord) bool {
	return q.enqueue(syncJob{edge: &rec})
}

func (q *SyncQueue) enqueue(job syncJob) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	select {
	case q.jobs <- job:
		q.pending.Add(1)
		q.mu.Unlock()
		return true
	default:
		q.mu.Unlock()
		q.dropped.Add(1)
		q.log.Warn().Msg("durable write queue full, dropping write")
		return false
	}
}

// Dropped returns how many writes have been discarded because the
// queue was full or closed.
func (q *SyncQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Pending returns the number of writes waiting or being applied.
func (q *SyncQueue) Pending() int {
	return int(q.pending.Load())
}

// Flush blocks until every queued write has been applied or the
// context expires.
func (q *SyncQueue) Flush(ctx context.Context) error {
	for q.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Close stops accepting writes, drains the queue, and waits for the
// worker to finish. It does not close the remote store.
func (q *SyncQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *SyncQueue) run() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.apply(job)
		q.pending.Add(-1)
	}
}

func (q *SyncQueue) apply(job syncJob) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
	defer cancel()

	switch {
	case job.node != nil:
		if err := q.remote.UpsertNode(ctx, *job.node); err != nil {
			q.log.Warn().
				Err(err).
				Str("node_id", job.node.ID).
				Str("user_id", job.node.UserID).
				Msg("failed to persist node to durable store")
		}
	case job.edge != nil:
		if err := q.remote.SaveEdge(ctx, *job.edge); err != nil {
			q.log.Warn().
				Err(err).
				Str("from_id", job.edge.FromID).
				Str("to_id", job.edge.ToID).
				Msg("failed to persist relationship to durable store")
		}
	}
}
