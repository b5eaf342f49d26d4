package notify

import (
	"context"
	"sync"
)

// Outbox is an in-process Sender that queues rendered messages. It is the
// default sender for deployments without a delivery transport and the
// capture point in tests.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
	capacity int
}

// NewOutbox creates an Outbox retaining at most capacity messages; older
// messages are dropped first. Zero means unbounded.
func NewOutbox(capacity int) *Outbox {
	return &Outbox{capacity: capacity}
}

// Send implements Sender.
func (o *Outbox) Send(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	if o.capacity > 0 && len(o.messages) > o.capacity {
		o.messages = o.messages[len(o.messages)-o.capacity:]
	}
	return nil
}

// Messages returns a copy of the queued messages, oldest first.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Drain returns and clears all queued messages.
func (o *Outbox) Drain() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.messages
	o.messages = nil
	return out
}
