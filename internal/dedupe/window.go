// ABOUTME: Bounded window of recently seen keys for duplicate suppression
// ABOUTME: Used for stream message ids and client_ref idempotency on submits

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers keys for at most ttl and at most max keys. The oldest key is
// evicted first. Expired keys are pruned lazily on each call, so no background
// goroutine is needed. A zero ttl keeps keys until they are evicted by count.
type Window struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	max     int
	now     func() time.Time
}

// NewWindow creates a window. max below 1 is treated as 1.
func NewWindow(ttl time.Duration, max int) *Window {
	if max < 1 {
		max = 1
	}
	return &Window{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// Seen reports whether key is in the window.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	_, ok := w.entries[key]
	return ok
}

// Observe records key and reports whether it was already present.
// The check and the insert are atomic.
func (w *Window) Observe(key string) (duplicate bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()

	if _, ok := w.entries[key]; ok {
		return true
	}
	if w.order.Len() >= w.max {
		w.removeLocked(w.order.Front())
	}
	w.entries[key] = w.order.PushBack(&entry{key: key, seenAt: w.now()})
	return false
}

// Forget removes key so a later Observe treats it as new.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.entries[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of live keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return w.order.Len()
}

// pruneLocked drops expired keys from the front. Must be called with mu held.
func (w *Window) pruneLocked() {
	if w.ttl <= 0 {
		return
	}
	cutoff := w.now().Add(-w.ttl)
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if el.Value.(*entry).seenAt.After(cutoff) {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := w.order.Remove(el).(*entry)
	delete(w.entries, e.key)
}
