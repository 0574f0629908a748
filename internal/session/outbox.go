package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned by Push when the buffer has no free slot.
	ErrOutboxFull = errors.New("outbox buffer full")
)

// Outbox is a bounded FIFO of encoded frames awaiting delivery to one
// connection. The transport's write pump drains it.
type Outbox struct {
	id     string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection.
//
// Postcondition: Returns an open Outbox; a non-positive size defaults to 64.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, size),
	}
}

// Push enqueues a frame without blocking.
//
// Postcondition: The frame is enqueued, or an error wrapping ErrOutboxClosed or ErrOutboxFull.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.id, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", o.id, ErrOutboxFull)
	}
}

// Frames returns the read side of the queue. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close closes the queue. Calling Close more than once is safe.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
