package livestream

import (
	"sync"
	"sync/atomic"
)

// DefaultOutboxSize is the per-connection outbound queue depth.
const DefaultOutboxSize = 16

// OutboxStats captures per-connection delivery counters.
type OutboxStats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// Outbox is a bounded FIFO of outbound messages for one connection. Push
// never blocks: when the queue is full the oldest media message is dropped
// so the freshest frame wins. Control messages are only dropped when the
// queue holds nothing else.
type Outbox struct {
	mu     sync.Mutex
	queue  []Message
	size   int
	closed bool
	ready  chan struct{}
	done   chan struct{}
	onDrop func(Message)

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewOutbox returns an Outbox holding at most size messages. onDrop, if not
// nil, is called for every dropped message.
func NewOutbox(size int, onDrop func(Message)) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		queue:  make([]Message, 0, size),
		size:   size,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
}

// Push enqueues msg. It reports false if the outbox is closed.
func (o *Outbox) Push(msg Message) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	var dropped *Message
	if len(o.queue) == o.size {
		m := o.dropOldestLocked()
		dropped = &m
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	if dropped != nil && o.onDrop != nil {
		o.onDrop(*dropped)
	}

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

func (o *Outbox) dropOldestLocked() Message {
	idx := 0
	for i, m := range o.queue {
		if m.droppable() {
			idx = i
			break
		}
	}
	m := o.queue[idx]
	copy(o.queue[idx:], o.queue[idx+1:])
	o.queue = o.queue[:len(o.queue)-1]
	o.dropped.Add(1)
	return m
}

// Next blocks until a message is available, the outbox is closed, or stop
// is closed. ok is false once no further message will be returned.
func (o *Outbox) Next(stop <-chan struct{}) (msg Message, ok bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			msg = o.queue[0]
			copy(o.queue, o.queue[1:])
			o.queue = o.queue[:len(o.queue)-1]
			o.mu.Unlock()
			o.sent.Add(1)
			return msg, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return Message{}, false
		}

		select {
		case <-o.ready:
		case <-o.done:
		case <-stop:
			return Message{}, false
		}
	}
}

// Close stops accepting messages. Messages already queued can still be
// drained with Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Stats returns delivery counters.
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	queued := len(o.queue)
	o.mu.Unlock()
	return OutboxStats{Sent: o.sent.Load(), Dropped: o.dropped.Load(), Queued: queued}
}
