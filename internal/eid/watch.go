package eid

import "sync"

// subscriberBuffer bounds the per-subscriber delivery queue. A consumer
// that falls this far behind loses its oldest undelivered values; the
// newest value always wins.
const subscriberBuffer = 32

// Watch is a last-value multicast channel. Publishing replaces the
// retained value and forwards it to every subscriber in publish order.
// A subscriber attaching late immediately receives the retained value
// only - history is not replayed (buffer of one).
type Watch[T any] struct {
	mu      sync.Mutex
	last    T
	hasLast bool
	subs    map[int]chan T
	nextID  int
	closed  bool
}

// NewWatch creates an empty watch.
func NewWatch[T any]() *Watch[T] {
	return &Watch[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a consumer. The returned channel first yields the
// retained value, if any, then subsequent published values in order.
// The cancel func detaches the consumer and closes its channel; it is
// safe to call more than once.
func (w *Watch[T]) Subscribe() (<-chan T, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if w.closed {
		close(ch)
		return ch, func() {}
	}

	if w.hasLast {
		ch <- w.last
	}

	id := w.nextID
	w.nextID++
	w.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if sub, ok := w.subs[id]; ok {
				delete(w.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish retains v and delivers it to all subscribers. It never blocks:
// when a subscriber's queue is full its oldest undelivered value is
// dropped in favor of v.
func (w *Watch[T]) Publish(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.last = v
	w.hasLast = true

	for _, ch := range w.subs {
		for {
			select {
			case ch <- v:
			default:
				// Queue full: evict the oldest and retry
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Last returns the retained value and whether one exists.
func (w *Watch[T]) Last() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.hasLast
}

// Close completes the watch: all subscriber channels are closed after
// any queued values, and further Publish calls are ignored.
func (w *Watch[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
}
