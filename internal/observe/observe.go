// Package observe provides a small observable state holder. Components keep
// their mutable projection private and publish immutable values here; readers
// get copies, never references into component-internal state.
package observe

import "sync"

// Value holds the current state and notifies watchers on every Set.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	nextID  int
	watches map[int]chan T
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial, watches: make(map[int]chan T)}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores next as the current value and delivers it to all watchers.
// Watchers that are not keeping up only miss intermediate values; the latest
// value is always retained for Get.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	v.current = next
	for _, ch := range v.watches {
		select {
		case ch <- next:
		default:
			// watcher is behind; drop the stale buffered value and
			// replace it with the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	v.mu.Unlock()
}

// Watch registers a watcher. The returned channel receives every value set
// after the call (conflated to the most recent under load). cancel removes
// the watcher and closes the channel.
func (v *Value[T]) Watch() (updates <-chan T, cancel func()) {
	ch := make(chan T, 1)
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.watches[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watches, id)
			v.mu.Unlock()
			close(ch)
		})
	}
}
