package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/routeq/routeq/pkg/storage"
	"github.com/routeq/routeq/pkg/types"
)

// pollInterval bounds how long a parked Dequeue waits before re-checking
// the ready list when it missed a wakeup.
const pollInterval = 10 * time.Millisecond

// Options declares a queue's behavior.
type Options struct {
	// Durable queues journal their contents and survive a process restart.
	// Ephemeral queues lose contents on restart; that loss is deliberate.
	Durable bool

	// TTL, when non-zero, stamps every enqueued message with a deadline.
	TTL time.Duration

	// MaxLength, when non-zero, caps the ready set. Enqueueing beyond the
	// cap evicts the oldest ready message, never the incoming one.
	MaxLength int

	// DeadLetterExchange and DeadLetterRoutingKey describe where expired,
	// evicted, and terminally rejected messages are re-published. Empty
	// exchange means such messages are discarded.
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// DeadLetterFunc receives a message that terminally left a queue. It is
// always invoked outside the queue's lock.
type DeadLetterFunc func(queueName string, opts Options, msg *types.Message, reason types.DeathReason)

// Queue is a bounded, TTL-aware FIFO with per-message delivery tracking.
// All mutations are serialized on one mutex; separate queues are fully
// independent.
type Queue struct {
	name string
	opts Options

	mu        sync.Mutex
	ready     *list.List               // *types.Message, oldest at front
	byID      map[string]*list.Element // ready index
	delivered map[string]*delivery
	closed    bool

	notify     chan struct{}
	deadLetter DeadLetterFunc
	journal    *storage.Journal
}

type delivery struct {
	msg      *types.Message
	workerID string
}

func newQueue(name string, opts Options, journal *storage.Journal, deadLetter DeadLetterFunc, restored []*types.Message) *Queue {
	q := &Queue{
		name:       name,
		opts:       opts,
		ready:      list.New(),
		byID:       make(map[string]*list.Element),
		delivered:  make(map[string]*delivery),
		notify:     make(chan struct{}, 1),
		deadLetter: deadLetter,
		journal:    journal,
	}
	for _, msg := range restored {
		q.byID[msg.ID] = q.ready.PushBack(msg)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Opts returns the declared queue options.
func (q *Queue) Opts() Options { return q.opts }

// Depth returns the number of ready messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// InFlight returns the number of delivered, unacknowledged messages.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delivered)
}

// Enqueue stamps the message and appends it to the tail. When the queue is
// at MaxLength the oldest ready message is evicted first and dead-lettered
// with reason queue_full.
func (q *Queue) Enqueue(msg *types.Message) error {
	now := time.Now()
	msg.EnqueuedAt = now
	if q.opts.TTL > 0 {
		msg.TTLDeadline = now.Add(q.opts.TTL)
	}

	var evicted []*types.Message

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.NewError(types.ErrCodeQueueClosed, "enqueue on closed queue").WithDetail("queue", q.name)
	}
	for q.opts.MaxLength > 0 && q.ready.Len() >= q.opts.MaxLength {
		front := q.ready.Front()
		old := q.ready.Remove(front).(*types.Message)
		delete(q.byID, old.ID)
		q.journalRemove(old.ID)
		evicted = append(evicted, old)
	}
	q.journalEnqueue(msg)
	q.byID[msg.ID] = q.ready.PushBack(msg)
	q.mu.Unlock()

	q.wake()
	q.dispatchDeadLetters(evicted, types.ReasonQueueFull)
	return nil
}

// TryDequeue hands the oldest non-expired ready message to the given worker
// without blocking. Expired messages encountered during the scan are
// dead-lettered, never delivered.
func (q *Queue) TryDequeue(workerID string) (*types.Message, bool) {
	now := time.Now()
	var expired []*types.Message

	q.mu.Lock()
	var picked *types.Message
	for front := q.ready.Front(); front != nil; front = q.ready.Front() {
		msg := q.ready.Remove(front).(*types.Message)
		delete(q.byID, msg.ID)
		if msg.Expired(now) {
			q.journalRemove(msg.ID)
			expired = append(expired, msg)
			continue
		}
		q.delivered[msg.ID] = &delivery{msg: msg, workerID: workerID}
		picked = msg
		break
	}
	q.mu.Unlock()

	q.dispatchDeadLetters(expired, types.ReasonExpired)
	return picked, picked != nil
}

// Dequeue blocks until a message is available, the context is cancelled, or
// the queue is closed.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*types.Message, error) {
	for {
		if msg, ok := q.TryDequeue(workerID); ok {
			return msg, nil
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, types.NewError(types.ErrCodeQueueClosed, "dequeue on closed queue").WithDetail("queue", q.name)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-time.After(pollInterval):
		}
	}
}

// Ack permanently removes a delivered message. Acking an unknown or
// already-terminal message is a no-op; the return value reports whether
// this call removed it.
func (q *Queue) Ack(messageID string) bool {
	q.mu.Lock()
	_, ok := q.delivered[messageID]
	if ok {
		delete(q.delivered, messageID)
		q.journalRemove(messageID)
	}
	q.mu.Unlock()
	return ok
}

// Requeue returns a delivered message to the tail of the ready set and
// increments its retry count. Retried messages go to the tail, not the
// head, so a poison message cannot block the queue.
func (q *Queue) Requeue(messageID string) bool {
	q.mu.Lock()
	d, ok := q.delivered[messageID]
	if ok {
		delete(q.delivered, messageID)
		d.msg.RetryCount++
		q.journalRequeue(messageID)
		q.byID[messageID] = q.ready.PushBack(d.msg)
	}
	q.mu.Unlock()
	if ok {
		q.wake()
	}
	return ok
}

// Reject terminally removes a delivered message and hands it to the
// dead-letter path with the given reason.
func (q *Queue) Reject(messageID string, reason types.DeathReason) bool {
	q.mu.Lock()
	d, ok := q.delivered[messageID]
	if ok {
		delete(q.delivered, messageID)
		q.journalRemove(messageID)
	}
	q.mu.Unlock()
	if ok {
		q.dispatchDeadLetters([]*types.Message{d.msg}, reason)
	}
	return ok
}

// Remove deletes a message from the queue by ID regardless of state. Used
// by operational tooling; normal consumption goes through Ack/Reject.
func (q *Queue) Remove(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if elem, ok := q.byID[messageID]; ok {
		q.ready.Remove(elem)
		delete(q.byID, messageID)
		q.journalRemove(messageID)
		return true
	}
	if _, ok := q.delivered[messageID]; ok {
		delete(q.delivered, messageID)
		q.journalRemove(messageID)
		return true
	}
	return false
}

// ReleaseWorker returns every message the worker still holds to the front
// of the ready set. The retry count is not incremented: a worker loss is
// not a handler failure, and under-counting is preferred over premature
// dead-lettering.
func (q *Queue) ReleaseWorker(workerID string) int {
	q.mu.Lock()
	var held []*types.Message
	for id, d := range q.delivered {
		if d.workerID == workerID {
			held = append(held, d.msg)
			delete(q.delivered, id)
		}
	}
	// Oldest first at the head keeps redelivery close to FIFO.
	for i := len(held) - 1; i >= 0; i-- {
		msg := held[i]
		q.byID[msg.ID] = q.ready.PushFront(msg)
	}
	q.mu.Unlock()

	if len(held) > 0 {
		q.wake()
	}
	return len(held)
}

// ExpireDue removes every ready message whose deadline has passed and
// dead-letters it. Returns the number expired. The broker's sweeper calls
// this periodically; TryDequeue also expires lazily on access.
func (q *Queue) ExpireDue(now time.Time) int {
	var expired []*types.Message

	q.mu.Lock()
	for elem := q.ready.Front(); elem != nil; {
		next := elem.Next()
		msg := elem.Value.(*types.Message)
		if msg.Expired(now) {
			q.ready.Remove(elem)
			delete(q.byID, msg.ID)
			q.journalRemove(msg.ID)
			expired = append(expired, msg)
		}
		elem = next
	}
	q.mu.Unlock()

	q.dispatchDeadLetters(expired, types.ReasonExpired)
	return len(expired)
}

// Close marks the queue closed and flushes its journal. Ready contents of
// durable queues remain on disk for the next start.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	journal := q.journal
	q.mu.Unlock()

	q.wake()
	if journal != nil {
		return journal.Close()
	}
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dispatchDeadLetters runs the hook outside the queue lock so a dead-letter
// route that targets this same queue re-enters cleanly.
func (q *Queue) dispatchDeadLetters(msgs []*types.Message, reason types.DeathReason) {
	if q.deadLetter == nil {
		return
	}
	for _, msg := range msgs {
		q.deadLetter(q.name, q.opts, msg, reason)
	}
}

// Journal writes never block the data plane. A failed append narrows the
// durability window to the last good sync but does not fail the operation.

func (q *Queue) journalEnqueue(msg *types.Message) {
	if q.journal != nil {
		_ = q.journal.AppendEnqueue(msg)
	}
}

func (q *Queue) journalRemove(id string) {
	if q.journal != nil {
		_ = q.journal.AppendRemove(id)
	}
}

func (q *Queue) journalRequeue(id string) {
	if q.journal != nil {
		_ = q.journal.AppendRequeue(id)
	}
}
