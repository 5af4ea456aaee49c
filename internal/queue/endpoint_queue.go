// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package queue implements the bounded-concurrency priority admission
// queues that front the text/image endpoints (EndpointQueue) and the
// poll-based audio service (AudioQueue), per spec §4.2/§4.3.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
)

// Request bundles one admission attempt. Execute is invoked once the
// request is admitted; its context is cancelled if CancelSong is called
// for SongID before or during execution.
type Request[T any] struct {
	SongID   string
	Priority int
	Endpoint string
	Execute  func(ctx context.Context) (T, error)

	enqueuedAt time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	result     chan Result[T]
}

// Result is the outcome of a completed or failed request.
type Result[T any] struct {
	Value        T
	Err          error
	ProcessingMs int64
}

// PendingInfo and ActiveInfo are the per-item detail rows in Status.
type PendingInfo struct {
	SongID       string
	Priority     int
	WaitingSince time.Time
}

type ActiveInfo struct {
	SongID    string
	StartedAt time.Time
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	PendingCount int
	ActiveCount  int
	ErrorCount   int
	LastError    string
	Pending      []PendingInfo
	Active       []ActiveInfo
}

// pendingItem orders requests lower-priority-first, FIFO on ties via a
// monotonic sequence number recorded at enqueue time.
type pendingItem[T any] struct {
	req *Request[T]
	seq uint64
}

type pendingHeap[T any] []*pendingItem[T]

func (h pendingHeap[T]) Len() int { return len(h) }
func (h pendingHeap[T]) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap[T]) Push(x any)   { *h = append(*h, x.(*pendingItem[T])) }
func (h *pendingHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// EndpointQueue is a bounded-concurrency priority admission queue for one
// external endpoint kind (spec §4.2). Active count never exceeds
// maxConcurrency; admission is priority-first, FIFO on ties.
type EndpointQueue[T any] struct {
	endpoint string

	mu             sync.Mutex
	maxConcurrency int
	active         int
	seq            uint64
	pending        pendingHeap[T]
	activeItems    map[string]*Request[T] // songID -> in-flight request
	errCount       int
	lastError      string
}

// ErrCancelled is returned by Enqueue when the request's song is
// cancelled before or during execution.
var ErrCancelled = model.ErrCancelled

// NewEndpointQueue creates a queue for endpoint with the given initial
// concurrency limit.
func NewEndpointQueue[T any](endpoint string, maxConcurrency int) *EndpointQueue[T] {
	q := &EndpointQueue[T]{
		endpoint:       endpoint,
		maxConcurrency: maxConcurrency,
		activeItems:    make(map[string]*Request[T]),
	}
	heap.Init(&q.pending)
	return q
}

// Enqueue admits req, running Execute either immediately (if capacity is
// available) or after waiting behind higher-priority work. It blocks
// until the request completes, is cancelled, or ctx is done.
func (q *EndpointQueue[T]) Enqueue(ctx context.Context, req *Request[T]) (Result[T], error) {
	req.enqueuedAt = time.Now()
	req.result = make(chan Result[T], 1)
	req.ctx, req.cancel = context.WithCancel(ctx)

	q.mu.Lock()
	q.seq++
	heap.Push(&q.pending, &pendingItem[T]{req: req, seq: q.seq})
	metrics.RecordEnqueue(q.endpoint)
	q.admitLocked()
	q.mu.Unlock()

	select {
	case res := <-req.result:
		return res, res.Err
	case <-req.ctx.Done():
		return Result[T]{}, fmt.Errorf("endpoint %s: song %s: %w", q.endpoint, req.SongID, ErrCancelled)
	}
}

// admitLocked pulls as many pending items as current capacity allows and
// launches them. Caller must hold q.mu.
func (q *EndpointQueue[T]) admitLocked() {
	for q.active < q.maxConcurrency && q.pending.Len() > 0 {
		item := heap.Pop(&q.pending).(*pendingItem[T])
		req := item.req
		q.active++
		q.activeItems[req.SongID] = req
		go q.run(req)
	}
	metrics.SetQueueDepth(q.endpoint, q.pending.Len(), q.active)
}

func (q *EndpointQueue[T]) run(req *Request[T]) {
	start := time.Now()
	val, err := req.Execute(req.ctx)
	processingMs := time.Since(start).Milliseconds()
	if err != nil {
		q.mu.Lock()
		q.errCount++
		q.lastError = err.Error()
		q.mu.Unlock()
		metrics.RecordQueueError(q.endpoint)
	}

	select {
	case req.result <- Result[T]{Value: val, Err: err, ProcessingMs: processingMs}:
	default:
	}

	q.mu.Lock()
	q.active--
	delete(q.activeItems, req.SongID)
	q.admitLocked()
	q.mu.Unlock()
}

// RefreshConcurrency updates maxConcurrency at runtime. Growth admits
// immediately; shrinkage lets running tasks finish with no new admissions
// until the active count drops below the new limit (spec §4.2).
func (q *EndpointQueue[T]) RefreshConcurrency(n int) {
	q.mu.Lock()
	q.maxConcurrency = n
	q.admitLocked()
	q.mu.Unlock()
}

// CancelSong removes all pending entries for songID (rejecting them with
// ErrCancelled) and cancels any running entry's context.
func (q *EndpointQueue[T]) CancelSong(songID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	for _, item := range q.pending {
		if item.req.SongID == songID {
			item.req.result <- Result[T]{Err: fmt.Errorf("endpoint %s: song %s: %w", q.endpoint, songID, ErrCancelled)}
			item.req.cancel()
			metrics.RecordCancelled(q.endpoint)
			continue
		}
		kept = append(kept, item)
	}
	q.pending = kept
	heap.Init(&q.pending)

	if req, ok := q.activeItems[songID]; ok {
		req.cancel()
		metrics.RecordCancelled(q.endpoint)
	}
}

// ResortPending re-orders the pending list using the current Priority
// value on each request. Callers recompute priorities (e.g. after a
// playlist position moves) and then call this.
func (q *EndpointQueue[T]) ResortPending() {
	q.mu.Lock()
	heap.Init(&q.pending)
	q.mu.Unlock()
}

// SetPriority updates the priority of songID's pending entry, if any,
// and re-establishes heap order. Callers recompute priorities for
// affected songs (e.g. after a steer bumps promptEpoch) and call this
// once per affected song before a final ResortPending, or rely on this
// method's own re-heapify.
func (q *EndpointQueue[T]) SetPriority(songID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.pending {
		if item.req.SongID == songID {
			item.req.Priority = priority
		}
	}
	heap.Init(&q.pending)
}

// GetStatus returns a point-in-time snapshot of queue occupancy.
func (q *EndpointQueue[T]) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		PendingCount: q.pending.Len(),
		ActiveCount:  q.active,
		ErrorCount:   q.errCount,
		LastError:    q.lastError,
	}
	for _, item := range q.pending {
		st.Pending = append(st.Pending, PendingInfo{SongID: item.req.SongID, Priority: item.req.Priority, WaitingSince: item.req.enqueuedAt})
	}
	for songID, req := range q.activeItems {
		st.Active = append(st.Active, ActiveInfo{SongID: songID, StartedAt: req.enqueuedAt})
	}
	return st
}
