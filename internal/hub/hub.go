// Package hub serializes client lobby events: each event mutates the lobby
// directory and then fans the result out through the broadcast gateway.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/cardlobby/internal/broadcast"
	"github.com/cory-johannsen/cardlobby/internal/lobby"
	"github.com/cory-johannsen/cardlobby/internal/protocol"
	"github.com/cory-johannsen/cardlobby/internal/session"
)

// ErrStopped is returned by Submit and Flush once the hub has stopped.
var ErrStopped = errors.New("hub stopped")

// Kind names the type of a client event.
type Kind int

const (
	// KindConnect announces a freshly registered connection.
	KindConnect Kind = iota
	// KindCreate opens a lobby with the sender as sole member.
	KindCreate
	// KindJoin appends the sender to an existing lobby.
	KindJoin
	// KindLeave removes the sender from its lobby at its own request.
	KindLeave
	// KindDisconnect removes the sender from every lobby and forgets it.
	KindDisconnect

	kindFlush
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindCreate:
		return "create"
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindDisconnect:
		return "disconnect"
	case kindFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Event is one client action addressed to the hub.
type Event struct {
	Kind   Kind
	ConnID string
	// Code is the target lobby for KindJoin.
	Code string
	// Name is the display name for KindCreate and KindJoin.
	Name string

	done chan struct{}
}

// Hub owns the single goroutine that applies events in arrival order.
// A connection's events, including its final disconnect, are submitted from one
// goroutine, so a disconnect is always handled after that connection's earlier events.
type Hub struct {
	dir     *lobby.Directory
	reg     *session.Registry
	gateway *broadcast.Gateway
	logger  *zap.Logger

	events   chan Event
	quit     chan struct{}
	stopOnce sync.Once
}

// New creates a Hub. Call Run to start processing.
//
// Precondition: dir, reg, gateway, and logger must be non-nil.
// Postcondition: Returns a Hub with an event queue of bufferSize (minimum 1).
func New(dir *lobby.Directory, reg *session.Registry, gateway *broadcast.Gateway, logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Hub{
		dir:     dir,
		reg:     reg,
		gateway: gateway,
		logger:  logger,
		events:  make(chan Event, bufferSize),
		quit:    make(chan struct{}),
	}
}

// Submit enqueues an event, blocking while the queue is full.
//
// Postcondition: The event is queued, or ErrStopped if the hub has stopped.
func (h *Hub) Submit(ev Event) error {
	select {
	case <-h.quit:
		return ErrStopped
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.quit:
		return ErrStopped
	}
}

// Flush blocks until every event submitted before it has been handled.
func (h *Hub) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.Submit(Event{Kind: kindFlush, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-h.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("lobby hub running")
	for {
		select {
		case ev := <-h.events:
			h.handle(ev)
		case <-ctx.Done():
			h.Stop()
			return nil
		case <-h.quit:
			return nil
		}
	}
}

// Stop ends Run. Calling Stop more than once is safe.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.logger.Info("lobby hub stopped")
	})
}

func (h *Hub) handle(ev Event) {
	start := time.Now()
	switch ev.Kind {
	case KindConnect:
		h.gateway.SendConnected(ev.ConnID)
	case KindCreate:
		h.handleCreate(ev)
	case KindJoin:
		h.handleJoin(ev)
	case KindLeave:
		h.handleLeave(ev)
	case KindDisconnect:
		h.handleDisconnect(ev)
	case kindFlush:
		close(ev.done)
		return
	default:
		h.logger.Warn("ignoring unknown event", zap.Int("kind", int(ev.Kind)))
		return
	}
	h.logger.Debug("event handled",
		zap.Stringer("kind", ev.Kind),
		zap.String("conn_id", ev.ConnID),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (h *Hub) handleCreate(ev Event) {
	_ = h.reg.SetName(ev.ConnID, ev.Name)

	code, err := h.dir.Create(ev.ConnID, ev.Name)
	if err != nil {
		h.logger.Info("create lobby rejected",
			zap.String("conn_id", ev.ConnID),
			zap.String("name", ev.Name),
			zap.Error(err),
		)
		h.gateway.SendError(ev.ConnID, errorText(err))
		return
	}

	h.logger.Info("lobby created",
		zap.String("lobby_code", code),
		zap.String("conn_id", ev.ConnID),
		zap.String("name", ev.Name),
	)
	h.gateway.SendLobbyCode(ev.ConnID, code)
	h.gateway.BroadcastUpdate(code, []lobby.Member{{Name: ev.Name, ID: ev.ConnID}})
}

func (h *Hub) handleJoin(ev Event) {
	_ = h.reg.SetName(ev.ConnID, ev.Name)

	members, err := h.dir.Join(ev.Code, ev.ConnID, ev.Name)
	if err != nil {
		h.logger.Info("join lobby rejected",
			zap.String("lobby_code", ev.Code),
			zap.String("conn_id", ev.ConnID),
			zap.String("name", ev.Name),
			zap.Error(err),
		)
		h.gateway.SendError(ev.ConnID, errorText(err))
		return
	}

	h.logger.Info("player joined lobby",
		zap.String("lobby_code", ev.Code),
		zap.String("conn_id", ev.ConnID),
		zap.String("name", ev.Name),
		zap.Int("members", len(members)),
	)
	h.gateway.BroadcastUpdate(ev.Code, members)
}

// handleLeave removes the sender from one lobby. The sender is told the
// outcome: the reduced member list, or lobby_closed if it was the last member.
func (h *Hub) handleLeave(ev Event) {
	dep, err := h.dir.Leave(ev.ConnID)
	if err != nil {
		h.gateway.SendError(ev.ConnID, errorText(err))
		return
	}
	h.logDeparture("player left lobby", dep)

	if dep.Closed {
		h.gateway.BroadcastClosed(dep.Code, []string{ev.ConnID}, protocol.TextLobbyClosed)
		return
	}
	h.gateway.BroadcastUpdate(dep.Code, dep.Remaining, ev.ConnID)
}

// handleDisconnect is idempotent: a connection in no lobby and no longer
// registered is a no-op.
func (h *Hub) handleDisconnect(ev Event) {
	for {
		dep, err := h.dir.Leave(ev.ConnID)
		if errors.Is(err, lobby.ErrNotMember) {
			break
		}
		if err != nil {
			h.logger.Error("removing disconnected player",
				zap.String("conn_id", ev.ConnID),
				zap.Error(err),
			)
			break
		}
		h.logDeparture("removed disconnected player", dep)

		if dep.Closed {
			h.gateway.BroadcastClosed(dep.Code, nil, protocol.TextLobbyClosed)
			continue
		}
		h.gateway.BroadcastUpdate(dep.Code, dep.Remaining)
	}

	if err := h.reg.Unregister(ev.ConnID); err != nil && !errors.Is(err, session.ErrUnknownConnection) {
		h.logger.Warn("unregistering connection", zap.String("conn_id", ev.ConnID), zap.Error(err))
	}
}

func (h *Hub) logDeparture(msg string, dep lobby.Departure) {
	h.logger.Info(msg,
		zap.String("lobby_code", dep.Code),
		zap.String("conn_id", dep.Member.ID),
		zap.String("name", dep.Member.Name),
		zap.Int("remaining", len(dep.Remaining)),
	)
	if dep.Closed {
		h.logger.Info("lobby deleted as it is empty", zap.String("lobby_code", dep.Code))
	}
}

// errorText maps a directory error to the notice shown to the client.
func errorText(err error) string {
	switch {
	case errors.Is(err, lobby.ErrLobbyNotFound):
		return protocol.TextLobbyNotFound
	case errors.Is(err, lobby.ErrLobbyFull):
		return protocol.TextLobbyFull
	case errors.Is(err, lobby.ErrAlreadyMember):
		return protocol.TextAlreadyMember
	case errors.Is(err, lobby.ErrCodeSpaceExhausted):
		return protocol.TextCodeExhausted
	case errors.Is(err, lobby.ErrNotMember):
		return protocol.TextNotInLobby
	default:
		return err.Error()
	}
}
