package engine

import (
	"sync"
	"sync/atomic"
)

const (
	reasonQueueFull = "queue_full"
	reasonStale     = "stale_queue_delay"
	reasonCanceled  = "canceled"
)

type dropCounters struct {
	queueFull atomic.Uint64
	stale     atomic.Uint64
	delayed   atomic.Uint64
	canceled  atomic.Uint64
}

func (d *dropCounters) load() Drops {
	return Drops{QueueFull: d.queueFull.Load(), Stale: d.stale.Load(), Delayed: d.delayed.Load(), Canceled: d.canceled.Load()}
}

// history keeps the most recent items up to limit.
type history struct {
	mu    sync.Mutex
	limit int
	items []TaskEvent
}

func (h *history) add(item TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

func (h *history) list() []TaskEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TaskEvent(nil), h.items...)
}
