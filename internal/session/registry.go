// Package session tracks live client connections and routes outbound frames
// to them by connection id.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownConnection is returned when an id is not registered.
var ErrUnknownConnection = errors.New("unknown connection")

// Connection is one live transport session as seen by the lobby core.
type Connection struct {
	// ID is the opaque identifier assigned by the transport.
	ID string
	// RemoteAddr is the peer address, for logging.
	RemoteAddr string
	// Outbox queues frames for the transport's write pump.
	Outbox *Outbox

	mu   sync.RWMutex
	name string
}

// Name returns the display name the client most recently supplied.
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Connection) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Registry maps connection ids to live connections.
// All methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Connection
	bufferSize int
}

// NewRegistry creates an empty Registry whose connections get outboxes of
// bufferSize frames.
func NewRegistry(bufferSize int) *Registry {
	return &Registry{
		conns:      make(map[string]*Connection),
		bufferSize: bufferSize,
	}
}

// Register records a new live connection.
//
// Precondition: id must be non-empty.
// Postcondition: Returns the Connection, or an error if id is already registered.
func (r *Registry) Register(id, remoteAddr string) (*Connection, error) {
	if id == "" {
		return nil, errors.New("connection id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return nil, fmt.Errorf("connection %q already registered", id)
	}
	conn := &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		Outbox:     NewOutbox(id, r.bufferSize),
	}
	r.conns[id] = conn
	return conn, nil
}

// Unregister forgets a connection and closes its outbox, which ends the
// transport's write pump.
//
// Postcondition: The connection is gone. Returns ErrUnknownConnection if it was not registered.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("unregistering %q: %w", id, ErrUnknownConnection)
	}
	conn.Outbox.Close()
	return nil
}

// Get returns the connection for id.
//
// Postcondition: Returns (conn, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// SetName records the display name a connection supplied.
func (r *Registry) SetName(id, name string) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("naming %q: %w", id, ErrUnknownConnection)
	}
	conn.setName(name)
	return nil
}

// Send pushes a frame to one connection's outbox.
func (r *Registry) Send(id string, frame []byte) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("sending to %q: %w", id, ErrUnknownConnection)
	}
	return conn.Outbox.Push(frame)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
