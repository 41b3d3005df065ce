package stream

import (
	"context"
	"fmt"
	"sync"
)

// Channel is one bounded exchange edge between two actors. Send blocks
// when the buffer is full, which is how backpressure propagates from a
// slow consumer up to the sources.
type Channel struct {
	up, down uint32
	ch       chan *Message

	closeOnce sync.Once
}

// NewChannel creates a channel with the given capacity
func NewChannel(up, down uint32, capacity int) *Channel {
	if capacity <= 0 {
		capacity = 16
	}
	return &Channel{up: up, down: down, ch: make(chan *Message, capacity)}
}

// UpstreamActor returns the producing actor id
func (c *Channel) UpstreamActor() uint32 {
	return c.up
}

// DownstreamActor returns the consuming actor id
func (c *Channel) DownstreamActor() uint32 {
	return c.down
}

// Send delivers a message, blocking on a full buffer
func (c *Channel) Send(ctx context.Context, m *Message) error {
	select {
	case c.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv receives the next message; ok is false once the channel is closed
// and drained.
func (c *Channel) Recv(ctx context.Context) (*Message, bool, error) {
	select {
	case m, ok := <-c.ch:
		return m, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Raw exposes the underlying Go channel for select-based consumers
func (c *Channel) Raw() <-chan *Message {
	return c.ch
}

// Close ends the stream; the receiver drains remaining messages then
// observes end-of-stream. Idempotent: a Stop barrier and an actor exit
// may both close the same edge.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.ch) })
}

// SharedContext owns every local channel endpoint of one compute node,
// keyed by (upstream actor, downstream actor). Actors hold ids, never
// pointers to each other; dropping a channel half drives shutdown of the
// other side.
type SharedContext struct {
	mu       sync.Mutex
	capacity int
	channels map[[2]uint32]*Channel
}

// NewSharedContext creates a context whose channels have the given
// capacity.
func NewSharedContext(capacity int) *SharedContext {
	return &SharedContext{
		capacity: capacity,
		channels: make(map[[2]uint32]*Channel),
	}
}

// Channel returns the edge between two actors, creating it on first use
// so producer and consumer can wire up in either order.
func (s *SharedContext) Channel(up, down uint32) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uint32{up, down}
	ch, ok := s.channels[key]
	if !ok {
		ch = NewChannel(up, down, s.capacity)
		s.channels[key] = ch
	}
	return ch
}

// RemoveActor closes and drops every edge touching the actor
func (s *SharedContext) RemoveActor(actorID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ch := range s.channels {
		if key[0] == actorID || key[1] == actorID {
			ch.Close()
			delete(s.channels, key)
		}
	}
}

// RemoveEdge closes and drops one edge
func (s *SharedContext) RemoveEdge(up, down uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uint32{up, down}
	if ch, ok := s.channels[key]; ok {
		ch.Close()
		delete(s.channels, key)
	}
}

func (s *SharedContext) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("shared context: %d channels", len(s.channels))
}
