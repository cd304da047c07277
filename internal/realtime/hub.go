// Package realtime delivers "the report store changed" signals to map
// sessions. Signals carry no payload: receivers refetch.
package realtime

import (
	"sync"
)

// Subscription is returned by Subscribe. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Feed fires onChange on any insert, update or delete in the report store.
// Delivery is at-least-once; onChange must not block.
type Feed interface {
	Subscribe(onChange func()) Subscription
}

// Hub is an in-memory Feed.
type Hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func()
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]func())}
}

func (h *Hub) Subscribe(onChange func()) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = onChange
	return &subscription{cancel: func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}}
}

// Publish notifies every current subscriber. Callbacks run outside the lock so
// they may unsubscribe themselves.
func (h *Hub) Publish() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
