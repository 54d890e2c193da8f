package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal. Data should stay small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is a non-blocking fanout. Publish never waits on a subscriber; a
// subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events whose Type is in
	// types, or every event when types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	types  map[string]struct{}
	closed bool
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel
	// mid-send; every send is non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
