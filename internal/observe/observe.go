// Package observe provides the listener lists used by replicas and
// awareness tables.
package observe

import "sync"

// Subscription cancels one registered listener. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the listener. Safe to call on a nil Subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// List is an ordered set of listeners receiving values of type T.
// The zero value is ready to use.
type List[T any] struct {
	mu   sync.Mutex
	next uint64
	ids  []uint64
	fns  map[uint64]func(T)
}

// Subscribe registers fn and returns a handle that removes it.
func (l *List[T]) Subscribe(fn func(T)) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.next++
	id := l.next
	l.ids = append(l.ids, id)
	l.fns[id] = fn

	return &Subscription{cancel: func() { l.remove(id) }}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.fns, id)
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)
			break
		}
	}
}

// Emit calls every listener in registration order. Listeners registered or
// removed during Emit take effect on the next call.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.ids))
	for _, id := range l.ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// Clear removes every listener.
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = nil
	l.fns = nil
}
