package ws

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/cardlobby/internal/hub"
	"github.com/cory-johannsen/cardlobby/internal/protocol"
	"github.com/cory-johannsen/cardlobby/internal/session"
)

// client pumps frames between one WebSocket and the lobby hub.
type client struct {
	acc  *Acceptor
	ws   *websocket.Conn
	conn *session.Connection
	done chan struct{}
}

// readPump decodes inbound envelopes into hub events. When the socket fails it
// submits the connection's disconnect, always after its earlier events.
func (c *client) readPump() {
	defer func() {
		if err := c.acc.hub.Submit(hub.Event{Kind: hub.KindDisconnect, ConnID: c.conn.ID}); err != nil {
			c.acc.logger.Debug("disconnect not delivered",
				zap.String("conn_id", c.conn.ID),
				zap.Error(err),
			)
		}
		close(c.done)
		_ = c.ws.Close()
	}()

	cfg := c.acc.cfg.WebSocket
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.acc.logger.Info("websocket read failed",
					zap.String("conn_id", c.conn.ID),
					zap.Error(err),
				)
			}
			return
		}

		ev, text, ok := c.translate(frame)
		if !ok {
			c.acc.gateway.SendError(c.conn.ID, text)
			continue
		}
		if err := c.acc.hub.Submit(ev); err != nil {
			if errors.Is(err, hub.ErrStopped) {
				return
			}
			c.acc.logger.Error("submitting event", zap.String("conn_id", c.conn.ID), zap.Error(err))
		}
	}
}

// translate maps a client frame to a hub event, or to the error notice to send back.
func (c *client) translate(frame []byte) (hub.Event, string, bool) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.acc.logger.Debug("malformed frame", zap.String("conn_id", c.conn.ID), zap.Error(err))
		return hub.Event{}, protocol.TextMalformed, false
	}

	ev := hub.Event{ConnID: c.conn.ID}
	switch env.Type {
	case protocol.MsgCreateLobby:
		var msg protocol.CreateLobby
		if err := env.DecodePayload(&msg); err != nil {
			return hub.Event{}, protocol.TextMalformed, false
		}
		ev.Kind = hub.KindCreate
		ev.Name = msg.Name
	case protocol.MsgJoinLobby:
		var msg protocol.JoinLobby
		if err := env.DecodePayload(&msg); err != nil {
			return hub.Event{}, protocol.TextMalformed, false
		}
		ev.Kind = hub.KindJoin
		ev.Code = msg.Code
		ev.Name = msg.Name
	case protocol.MsgLeaveLobby:
		ev.Kind = hub.KindLeave
	default:
		return hub.Event{}, protocol.TextUnknownType, false
	}
	return ev, "", true
}

// writePump drains the connection's outbox onto the socket and keeps it alive
// with pings. It exits when the outbox closes, a write fails, or the read pump ends.
func (c *client) writePump() {
	cfg := c.acc.cfg.WebSocket
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.acc.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.conn.Outbox.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeGoingAway tells the peer the server is shutting down and closes the socket.
// Safe to call concurrently with the pumps.
func (c *client) closeGoingAway(wait time.Duration) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
	_ = c.ws.Close()
}
