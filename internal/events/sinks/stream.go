package sinks

import (
	"context"
	"sync"

	"github.com/pulsewatch/scrape-orchestrator/internal/events"
)

// StreamSink fans events out to live subscribers (the SSE endpoint). Slow
// subscribers lose events rather than stalling the hub.
type StreamSink struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan events.Event
	closed bool
}

// NewStreamSink creates an empty broadcaster.
func NewStreamSink() *StreamSink {
	return &StreamSink{subs: make(map[int]chan events.Event)}
}

// Subscribe registers a subscriber channel with the given buffer and returns
// the channel plus a cancel function. The channel is closed on cancel or when
// the sink shuts down.
func (s *StreamSink) Subscribe(buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan events.Event, buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Consume forwards each event to every subscriber, dropping on full buffers.
func (s *StreamSink) Consume(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		for _, sub := range s.subs {
			select {
			case sub <- evt:
			default:
			}
		}
	}
	return nil
}

// Close disconnects all subscribers.
func (s *StreamSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
	return nil
}
