// Package eventbus provides named, statically typed multicast channels.
//
// A Bus is an explicit registry passed to every component at construction;
// there is no package-level instance. Channels are created once at startup and
// live as long as the Bus that registered them.
//
// Publishing is synchronous: every subscriber runs on the publisher's goroutine,
// in subscription order. Callbacks may publish on other channels; the bus does
// not detect cycles.
package eventbus

import (
	"fmt"
	"sort"
	"sync"
)

// Void is the argument type of channels that carry no payload.
type Void struct{}

// Bus records the channels registered on it.
type Bus struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func NewBus() *Bus {
	return &Bus{names: make(map[string]struct{})}
}

// register panics on a duplicate name: channel names are fixed at
// initialization, so a duplicate is a wiring bug.
func (b *Bus) register(name string) {
	if b == nil {
		panic("eventbus: nil bus")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[name]; ok {
		panic(fmt.Sprintf("eventbus: channel %q already registered", name))
	}
	b.names[name] = struct{}{}
}

// Names returns the registered channel names, sorted.
func (b *Bus) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.names))
	for n := range b.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Subscription binds one callback to one channel.
//
// The channel keeps only the callback; whatever receiver the callback closes
// over is not owned by the channel. Call Unsubscribe before the receiver goes
// away.
type Subscription struct {
	once   sync.Once
	remove func()
}

// Unsubscribe removes the binding. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.remove != nil {
			s.remove()
		}
	})
}

// subscribers is the ordered subscriber list shared by Channel and Request.
type subscribers[F any] struct {
	mu     sync.RWMutex
	nextID uint64
	list   []entry[F]
}

type entry[F any] struct {
	id uint64
	fn F
}

func (s *subscribers[F]) add(fn F) *Subscription {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.list = append(s.list, entry[F]{id: id, fn: fn})
	s.mu.Unlock()
	return &Subscription{remove: func() { s.remove(id) }}
}

func (s *subscribers[F]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.list {
		if e.id == id {
			// Copy so a snapshot held by an in-flight publish stays intact.
			next := make([]entry[F], 0, len(s.list)-1)
			next = append(next, s.list[:i]...)
			next = append(next, s.list[i+1:]...)
			s.list = next
			return
		}
	}
}

// snapshot returns the current list. add only appends and remove replaces the
// slice, so the returned slice is safe to iterate without the lock.
func (s *subscribers[F]) snapshot() []entry[F] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list[:len(s.list):len(s.list)]
}

func (s *subscribers[F]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}
