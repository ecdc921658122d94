package relay

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
)

// Queue holds messages for identities with no live connection.
type Queue interface {
	Enqueue(ctx context.Context, identityID string, msg models.QueuedMessage) error
	// Drain removes and returns the unexpired messages of identityID in
	// enqueue order.
	Drain(ctx context.Context, identityID string) ([]models.QueuedMessage, error)
	Len(ctx context.Context, identityID string) (int, error)
}

// QueueOptions bounds every per-identity queue.
type QueueOptions struct {
	MaxMessages int
	Retention   time.Duration
}

// MemoryQueue is an instance-local Queue.
type MemoryQueue struct {
	clock clock.Clock
	opts  QueueOptions

	mu     sync.Mutex
	queues map[string][]models.QueuedMessage

	stop chan struct{}
	done chan struct{}
}

func NewMemoryQueue(clk clock.Clock, opts QueueOptions) *MemoryQueue {
	return &MemoryQueue{clock: clk, opts: opts, queues: make(map[string][]models.QueuedMessage)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, identityID string, msg models.QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.dropExpiredLocked(q.queues[identityID])
	// Messages put back after a failed flush keep their original position.
	at := len(msgs)
	for at > 0 && msgs[at-1].EnqueuedAt.After(msg.EnqueuedAt) {
		at--
	}
	msgs = slices.Insert(msgs, at, msg)
	if q.opts.MaxMessages > 0 && len(msgs) > q.opts.MaxMessages {
		over := len(msgs) - q.opts.MaxMessages
		metrics.MessagesRelayed.WithLabelValues("evicted").Add(float64(over))
		msgs = append([]models.QueuedMessage(nil), msgs[over:]...)
	}
	q.queues[identityID] = msgs
	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, identityID string) ([]models.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.dropExpiredLocked(q.queues[identityID])
	delete(q.queues, identityID)
	return msgs, nil
}

func (q *MemoryQueue) Len(_ context.Context, identityID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[identityID]
	return len(msgs) - q.expiredLocked(msgs), nil
}

// Purge drops expired messages from every queue and returns how many were
// dropped.
func (q *MemoryQueue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for id, msgs := range q.queues {
		kept := q.dropExpiredLocked(msgs)
		dropped += len(msgs) - len(kept)
		if len(kept) == 0 {
			delete(q.queues, id)
		} else {
			q.queues[id] = kept
		}
	}
	return dropped
}

// Start purges every interval until Stop or ctx cancellation.
func (q *MemoryQueue) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 || q.opts.Retention <= 0 {
		return
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	ticker := q.clock.NewTicker(interval)
	go func() {
		defer close(q.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
				q.Purge()
			}
		}
	}()
}

func (q *MemoryQueue) Stop() {
	if q.stop == nil {
		return
	}
	close(q.stop)
	<-q.done
	q.stop = nil
}

// expiredLocked returns how many leading messages are older than the
// retention horizon. msgs is ordered by EnqueuedAt.
func (q *MemoryQueue) expiredLocked(msgs []models.QueuedMessage) int {
	if q.opts.Retention <= 0 {
		return 0
	}
	cutoff := q.clock.Now().Add(-q.opts.Retention)
	i := 0
	for i < len(msgs) && msgs[i].EnqueuedAt.Before(cutoff) {
		i++
	}
	return i
}

// dropExpiredLocked removes expired messages and counts them.
func (q *MemoryQueue) dropExpiredLocked(msgs []models.QueuedMessage) []models.QueuedMessage {
	n := q.expiredLocked(msgs)
	if n > 0 {
		metrics.MessagesRelayed.WithLabelValues("expired").Add(float64(n))
	}
	return msgs[n:]
}
