package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/repay"
)

const defaultBuffer = 16

// Filter selects the events a subscriber receives. Zero fields match anything.
type Filter struct {
	User  common.Address
	Token common.Address
	Kinds map[repay.EventKind]bool
}

func (f Filter) match(ev repay.Event) bool {
	if f.User != (common.Address{}) && ev.User != f.User {
		return false
	}
	if f.Token != (common.Address{}) && ev.Token != f.Token {
		return false
	}
	if len(f.Kinds) > 0 && !f.Kinds[ev.Kind] {
		return false
	}
	return true
}

type subscriber struct {
	ch     chan repay.Event
	filter Filter
}

// Stream fans engine events out to live subscribers (SSE clients). It
// implements repay.Publisher.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	buffer  int
	dropped atomic.Uint64
}

var _ repay.Publisher = (*Stream)(nil)

// New initialises an empty stream. buffer <= 0 uses the default channel depth.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Stream{
		subs:   make(map[int]subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive
// matching events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan repay.Event {
	ch := make(chan repay.Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all matching subscribers.
func (s *Stream) Publish(ev repay.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop when subscriber is slow to avoid blocking.
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
