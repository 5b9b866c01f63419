// Package offline buffers device-captured artifacts while connectivity is
// absent and drains them opportunistically when it returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/kv"
)

// QueueKey is the storage key under which the whole queue is persisted.
const QueueKey = "offline_queue"

// Kind classifies a captured artifact.
type Kind string

const (
	KindPhoto       Kind = "photo"
	KindLocation    Kind = "location"
	KindReport      Kind = "report"
	KindMeasurement Kind = "measurement"
)

// Priority affects admission when the queue is full. Drain order is always
// insertion order regardless of priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Status is an item's position in the sync state machine.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Item is one buffered capture.
type Item struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CapturedAt time.Time       `json:"capturedAt"`
	Retries    int             `json:"retries"`
	Priority   Priority        `json:"priority"`
	Status     Status          `json:"status"`
}

// Syncer uploads a single item. An error marks the item failed; it stays
// eligible for the next pass.
type Syncer interface {
	SyncItem(ctx context.Context, item Item) error
}

// Network reports current connectivity.
type Network interface {
	Online() bool
}

// ErrQueueFull is returned when the queue is at capacity and the incoming
// item does not outrank anything already buffered.
var ErrQueueFull = errors.New("offline: queue full")

// Options tune a Queue.
type Options struct {
	Capacity      int
	SyncInterval  time.Duration
	AutoSyncDelay time.Duration
	AutoSync      bool
}

const (
	defaultCapacity      = 1000
	defaultSyncInterval  = 5 * time.Minute
	defaultAutoSyncDelay = time.Second
)

// Queue is the offline capture buffer. It persists its full contents to the
// key-value store after every mutation and drains via the Syncer.
type Queue struct {
	store   kv.Store
	syncer  Syncer
	network Network

	capacity      int
	syncInterval  time.Duration
	autoSyncDelay time.Duration

	mu        sync.Mutex
	items     []Item
	syncing   bool
	autoSync  bool
	autoTimer *time.Timer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue loads any persisted queue state from the store. Items left in the
// syncing state by a crash are returned to pending.
func NewQueue(ctx context.Context, store kv.Store, syncer Syncer, network Network, opts Options) (*Queue, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	if opts.AutoSyncDelay <= 0 {
		opts.AutoSyncDelay = defaultAutoSyncDelay
	}

	q := &Queue{
		store:         store,
		syncer:        syncer,
		network:       network,
		capacity:      opts.Capacity,
		syncInterval:  opts.SyncInterval,
		autoSyncDelay: opts.AutoSyncDelay,
		autoSync:      opts.AutoSync,
		done:          make(chan struct{}),
	}

	raw, err := store.Get(ctx, QueueKey)
	if errors.Is(err, kv.ErrNotFound) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if err := json.Unmarshal(raw, &q.items); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	for i := range q.items {
		if q.items[i].Status == StatusSyncing {
			q.items[i].Status = StatusPending
		}
	}
	return q, nil
}

// Start launches the periodic safety-net sync pass.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.syncLoop()
}

// Close stops background work.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		if q.autoTimer != nil {
			q.autoTimer.Stop()
		}
		q.mu.Unlock()
	})
	q.wg.Wait()
}

// Add buffers a capture and persists the queue. When full, the oldest item
// of strictly lower priority is evicted to admit the new one; otherwise
// ErrQueueFull is returned.
func (q *Queue) Add(ctx context.Context, item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = time.Now()
	}
	if item.Priority == "" {
		item.Priority = PriorityMedium
	}
	item.Status = StatusPending
	item.Retries = 0

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		victim := -1
		for i, existing := range q.items {
			if existing.Priority.rank() >= item.Priority.rank() {
				continue
			}
			if victim == -1 || existing.Priority.rank() < q.items[victim].Priority.rank() {
				victim = i
			}
		}
		if victim == -1 {
			return Item{}, ErrQueueFull
		}
		log.Printf("offline: queue full, evicting %s item %s for %s capture", q.items[victim].Priority, q.items[victim].ID, item.Priority)
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}

	q.items = append(q.items, item)
	if err := q.persistLocked(ctx); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Sync drains eligible items in insertion order. It is a no-op without
// network and performs no storage writes when nothing is eligible. Item
// failures are isolated: a failed item is marked, its retry counter
// incremented, and the pass continues.
func (q *Queue) Sync(ctx context.Context) error {
	if q.network != nil && !q.network.Online() {
		return nil
	}

	q.mu.Lock()
	if q.syncing {
		q.mu.Unlock()
		return nil
	}
	var eligible []string
	for _, item := range q.items {
		if item.Status == StatusPending || item.Status == StatusFailed {
			eligible = append(eligible, item.ID)
		}
	}
	if len(eligible) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.syncing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.mu.Unlock()
	}()

	for _, id := range eligible {
		q.mu.Lock()
		idx := q.indexLocked(id)
		if idx == -1 {
			q.mu.Unlock()
			continue
		}
		q.items[idx].Status = StatusSyncing
		item := q.items[idx]
		q.mu.Unlock()

		err := q.syncer.SyncItem(ctx, item)

		q.mu.Lock()
		idx = q.indexLocked(id)
		if idx != -1 {
			if err != nil {
				q.items[idx].Status = StatusFailed
				q.items[idx].Retries++
				log.Printf("offline: sync %s item %s failed (retry %d): %v", item.Kind, item.ID, q.items[idx].Retries, err)
			} else {
				q.items[idx].Status = StatusSuccess
			}
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, item := range q.items {
		if item.Status != StatusSuccess {
			kept = append(kept, item)
		}
	}
	q.items = kept
	return q.persistLocked(ctx)
}

// NotifyNetworkChange schedules a delayed sync pass when connectivity comes
// back and auto-sync is enabled.
func (q *Queue) NotifyNetworkChange(online bool) {
	if !online {
		return
	}
	q.mu.Lock()
	enabled := q.autoSync
	if enabled {
		if q.autoTimer != nil {
			q.autoTimer.Stop()
		}
		q.autoTimer = time.AfterFunc(q.autoSyncDelay, func() {
			select {
			case <-q.done:
				return
			default:
			}
			if err := q.Sync(context.Background()); err != nil {
				log.Printf("offline: auto sync: %v", err)
			}
		})
	}
	q.mu.Unlock()
}

// SetAutoSync toggles the network-restored trigger.
func (q *Queue) SetAutoSync(enabled bool) {
	q.mu.Lock()
	q.autoSync = enabled
	q.mu.Unlock()
}

// Items returns a snapshot in insertion order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) indexLocked(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if len(q.items) == 0 {
		if err := q.store.Delete(ctx, QueueKey); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Put(ctx, QueueKey, raw); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// syncLoop is the safety net: a periodic pass independent of network-change
// notifications.
func (q *Queue) syncLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			if err := q.Sync(context.Background()); err != nil {
				log.Printf("offline: periodic sync: %v", err)
			}
		}
	}
}
