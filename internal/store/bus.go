package store

import (
	"sync"
	"time"
)

// Family identifies a record family on the change bus.
type Family string

const (
	FamilyDemand      Family = "demand"
	FamilyConference  Family = "conference"
	FamilyChecklist   Family = "checklist"
	FamilyAnomaly     Family = "anomaly"
	FamilyFinishPhoto Family = "finish_photo"
	FamilyProduct     Family = "product"
)

// Action identifies what happened to a record.
type Action string

const (
	ActionSaved   Action = "saved"
	ActionDeleted Action = "deleted"
	ActionSynced  Action = "synced"
)

// Change is a single record mutation, published on every successful write.
// Observers (the diagnostics dashboard, tests) subscribe instead of
// re-polling the tables on a timer.
type Change struct {
	Family    Family    `json:"family"`
	Action    Action    `json:"action"`
	DemandaID string    `json:"demandaId,omitempty"`
	Key       string    `json:"key,omitempty"` // item id, SKU, or local row id
	At        time.Time `json:"at"`
}

// Bus fans record changes out to subscribers. Publishing never blocks a
// store write: a subscriber that falls behind loses messages rather than
// stalling the writer.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Change
	next int
}

// NewBus creates an empty change bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Change)}
}

// Subscribe registers an observer with the given channel buffer. The returned
// cancel function removes the subscription and closes the channel; it is safe
// to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers a change to all subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// publish is a nil-safe helper for stores constructed without a bus.
func (b *Bus) publish(family Family, action Action, demandaID, key string) {
	if b == nil {
		return
	}
	b.Publish(Change{Family: family, Action: action, DemandaID: demandaID, Key: key})
}
