package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"fieldline/internal/kv"
)

// OutboxKey is the storage key for buffered outbound envelopes.
const OutboxKey = "collab_outbox"

const maxOutboxSize = 500

// Outbox durably buffers envelopes that could not be delivered, so presence
// and edit messages survive transient disconnects instead of being dropped.
type Outbox struct {
	mu    sync.Mutex
	store kv.Store
	items []Envelope
}

// NewOutbox loads any previously persisted envelopes from the store. The
// store may be nil, in which case the buffer is memory-only.
func NewOutbox(ctx context.Context, store kv.Store) (*Outbox, error) {
	o := &Outbox{store: store}
	if store == nil {
		return o, nil
	}
	raw, err := store.Get(ctx, OutboxKey)
	if errors.Is(err, kv.ErrNotFound) {
		return o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	if err := json.Unmarshal(raw, &o.items); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	return o, nil
}

// Append buffers an envelope, evicting the oldest entry when full.
func (o *Outbox) Append(ctx context.Context, env Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= maxOutboxSize {
		log.Printf("collab: outbox full, dropping oldest %s", o.items[0].Type)
		o.items = o.items[1:]
	}
	o.items = append(o.items, env)
	o.persistLocked(ctx)
}

// Drain sends buffered envelopes in order through send, stopping at the
// first failure. Delivered envelopes are removed and the remainder persisted.
func (o *Outbox) Drain(ctx context.Context, send func(Envelope) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sent := 0
	for _, env := range o.items {
		if err := send(env); err != nil {
			log.Printf("collab: outbox drain stopped after %d: %v", sent, err)
			break
		}
		sent++
	}
	if sent == 0 {
		return
	}
	o.items = o.items[sent:]
	o.persistLocked(ctx)
}

// Len reports the number of buffered envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) persistLocked(ctx context.Context) {
	if o.store == nil {
		return
	}
	if len(o.items) == 0 {
		if err := o.store.Delete(ctx, OutboxKey); err != nil {
			log.Printf("collab: clear outbox: %v", err)
		}
		return
	}
	raw, err := json.Marshal(o.items)
	if err != nil {
		log.Printf("collab: encode outbox: %v", err)
		return
	}
	if err := o.store.Put(ctx, OutboxKey, raw); err != nil {
		log.Printf("collab: persist outbox: %v", err)
	}
}
