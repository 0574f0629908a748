// Package broadcast delivers lobby notifications to client connections.
package broadcast

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/cardlobby/internal/lobby"
	"github.com/cory-johannsen/cardlobby/internal/protocol"
	"github.com/cory-johannsen/cardlobby/internal/session"
)

// Router delivers an encoded frame to one connection.
type Router interface {
	Send(connID string, frame []byte) error
}

// Gateway encodes notifications and pushes them onto connection outboxes.
// Delivery is fire-and-forget. Fan-outs are serialized, so successive
// broadcasts to a lobby reach each member's FIFO outbox in call order.
type Gateway struct {
	router Router
	logger *zap.Logger
	mu     sync.Mutex
}

// NewGateway creates a Gateway routing through router.
//
// Precondition: router and logger must be non-nil.
func NewGateway(router Router, logger *zap.Logger) *Gateway {
	return &Gateway{router: router, logger: logger}
}

// SendConnected tells a new connection its id.
func (g *Gateway) SendConnected(connID string) {
	g.unicast(connID, protocol.MsgConnected, protocol.Connected{ID: connID})
}

// SendLobbyCode tells a creator the code of its new lobby.
func (g *Gateway) SendLobbyCode(connID, code string) {
	g.unicast(connID, protocol.MsgLobbyCode, protocol.LobbyCode{Code: code})
}

// SendError reports a failed request to its sender.
func (g *Gateway) SendError(connID, text string) {
	g.unicast(connID, protocol.MsgError, protocol.ErrorMessage{Message: text})
}

// BroadcastUpdate sends the lobby's membership to every listed member and to
// any extra connections, such as one that has just left.
//
// Postcondition: Each recipient's outbox received the update, unless it was full or gone.
func (g *Gateway) BroadcastUpdate(code string, members []lobby.Member, extra ...string) {
	if members == nil {
		members = []lobby.Member{}
	}
	ids := make([]string, 0, len(members)+len(extra))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	ids = append(ids, extra...)
	g.multicast(code, ids, protocol.MsgLobbyUpdate, protocol.LobbyUpdate{Code: code, Members: members})
}

// BroadcastClosed announces a deleted lobby to the given former members.
// With no recipients it only logs.
func (g *Gateway) BroadcastClosed(code string, recipients []string, text string) {
	if len(recipients) == 0 {
		g.logger.Debug("lobby closed with no one left to notify",
			zap.String("lobby_code", code),
		)
		return
	}
	g.multicast(code, recipients, protocol.MsgLobbyClosed, protocol.LobbyClosed{Code: code, Message: text})
}

func (g *Gateway) unicast(connID, typ string, payload any) {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		g.logger.Error("encoding notification", zap.String("type", typ), zap.Error(err))
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.deliver(connID, typ, frame)
}

func (g *Gateway) multicast(code string, ids []string, typ string, payload any) {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		g.logger.Error("encoding notification",
			zap.String("type", typ),
			zap.String("lobby_code", code),
			zap.Error(err),
		)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		g.deliver(id, typ, frame)
	}
	g.logger.Debug("broadcast",
		zap.String("type", typ),
		zap.String("lobby_code", code),
		zap.Int("recipients", len(ids)),
	)
}

// deliver must be called with g.mu held.
func (g *Gateway) deliver(connID, typ string, frame []byte) {
	err := g.router.Send(connID, frame)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrUnknownConnection), errors.Is(err, session.ErrOutboxClosed):
		g.logger.Debug("dropping notification for departed connection",
			zap.String("type", typ),
			zap.String("conn_id", connID),
		)
	default:
		g.logger.Warn("dropping notification",
			zap.String("type", typ),
			zap.String("conn_id", connID),
			zap.Error(err),
		)
	}
}
