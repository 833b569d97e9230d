package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ontable/holdem/pkg/broadcast"
	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/events"
	"github.com/ontable/holdem/pkg/statemachine"
)

type clientMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type subscribePayload struct {
	TableID string `json:"tableId"`
}

type actionPayload struct {
	TableID string            `json:"tableId"`
	Action  engine.ActionType `json:"action"`
	Amount  *int64            `json:"amount,omitempty"`
}

type chatSendPayload struct {
	TableID string `json:"tableId"`
	Text    string `json:"text"`
}

// ServeWS upgrades r into a WebSocket connection and runs it to completion.
// Authentication is accepted via ?token= query or via a first in-protocol
// Authenticate message within authDeadline; otherwise the socket is closed
// with code 1008. The X-Forwarded-For header and the trustProxy setting are
// not consulted on this path.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Errorf("gateway.upgrade.failed: %v", err)
		return
	}

	c := &conn{
		id:            uuid.NewString(),
		ws:            ws,
		send:          make(chan []byte, 64),
		subs:          make(map[string]bool),
		cardsSentHand: make(map[string]string),
	}
	c.sm = statemachine.New(c, phaseConnecting, connPhases(), func(from, to string) {
		g.log.Debugf("gateway.conn %s phase %s -> %s", c.id, from, to)
	})

	userID, err := g.authenticateConn(r, c)
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, "Authentication required"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	c.userID = userID
	c.sm.Step() // connecting -> authenticated

	ctx := context.Background()
	shutdown := g.registerConnection(ctx, c)

	go g.writePump(c)
	g.readPump(ctx, c, shutdown)
}

// registerConnection runs the connection setup sequence — register in the
// connection map, register in the store, bump the connection-count gauge,
// emit SESSION_STARTED — and returns the teardown function that unwinds it
// in reverse: unsubscribe -> spectator leave best-effort -> connection
// deregister -> metric decrement -> session-end event.
func (g *Gateway) registerConnection(ctx context.Context, c *conn) func() {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	if err := g.store.RegisterConnection(ctx, c.id, c.userID); err != nil {
		g.log.Errorf("gateway.registerConnection.failed: %v", err)
	}

	g.metrics.Connections.Inc()

	g.events.Emit(ctx, events.Event{
		Type:           events.SessionStarted,
		UserID:         c.userID,
		IdempotencyKey: "event:SESSION_STARTED:" + c.id,
	})

	g.sendJSON(c, serverMsg{Type: "Welcome", Payload: welcomePayload{UserID: c.userID, ConnectionID: c.id}})
	c.sm.Step() // authenticated -> active

	return func() {
		c.sm.Step() // active -> closed
		subscribed := c.subscriptions()
		for _, tableID := range subscribed {
			c.setSub(tableID, false)
		}
		for _, tableID := range subscribed {
			if err := g.orc.LeaveSpectator(ctx, tableID, c.userID); err != nil {
				g.log.Debugf("gateway.leaveSpectator.failed: %v", err)
			}
			if err := g.orc.MarkDisconnected(ctx, tableID, c.userID); err != nil {
				g.log.Debugf("gateway.markDisconnected.failed: %v", err)
			}
		}
		g.mu.Lock()
		delete(g.conns, c.id)
		g.mu.Unlock()

		if err := g.store.DeregisterConnection(ctx, c.id, c.userID); err != nil {
			g.log.Errorf("gateway.deregisterConnection.failed: %v", err)
		}

		g.metrics.Connections.Dec()

		g.events.Emit(ctx, events.Event{
			Type:           events.SessionEnded,
			UserID:         c.userID,
			IdempotencyKey: "event:SESSION_ENDED:" + c.id,
		})
	}
}

// authenticateConn resolves the connection's userId from ?token= or the
// first inbound Authenticate message, whichever arrives first within
// authDeadline.
func (g *Gateway) authenticateConn(r *http.Request, c *conn) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return g.auth.Authenticate(r.Context(), token)
	}

	c.ws.SetReadDeadline(time.Now().Add(authDeadline))
	defer c.ws.SetReadDeadline(time.Time{})

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	var msg clientMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "Authenticate" {
		return "", websocket.ErrCloseSent
	}
	var payload authenticatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", err
	}
	return g.auth.Authenticate(r.Context(), payload.Token)
}

// readPump drains inbound client messages until the socket closes, then
// runs shutdown.
func (g *Gateway) readPump(ctx context.Context, c *conn, shutdown func()) {
	defer shutdown()
	defer c.ws.Close()

	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(heartbeatPeriod + pongGrace))
		return nil
	})
	c.ws.SetReadDeadline(time.Now().Add(heartbeatPeriod + pongGrace))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		g.handleClientMessage(ctx, c, msg)
	}
}

func (g *Gateway) handleClientMessage(ctx context.Context, c *conn, msg clientMsg) {
	switch msg.Type {
	case "SubscribeTable":
		var p subscribePayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.TableID != "" {
			c.setSub(p.TableID, true)
			if err := g.orc.MarkReconnected(ctx, p.TableID, c.userID); err != nil {
				g.log.Debugf("gateway.markReconnected.failed: %v", err)
			}
			if state, err := g.orc.GetTableState(ctx, p.TableID, c.userID); err == nil {
				g.sendJSON(c, serverMsg{Type: "TableSnapshot", Payload: broadcast.TableSnapshotPayload{
					Type:       "TableSnapshot",
					TableState: broadcast.Redact(state, c.userID),
				}})
			}
		}
	case "UnsubscribeTable":
		var p subscribePayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.setSub(p.TableID, false)
		}
	case "UnsubscribeAll":
		for _, tableID := range c.subscriptions() {
			c.setSub(tableID, false)
		}
	case "Action":
		var p actionPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			g.sendJSON(c, serverMsg{Type: "ActionResult", Payload: actionResultPayload{Accepted: false, Reason: "INVALID_ACTION"}})
			return
		}
		_, err := g.orc.SubmitAction(ctx, p.TableID, c.userID, engine.ActionInput{Type: p.Action, Amount: p.Amount}, time.Now())
		if err != nil {
			g.sendJSON(c, serverMsg{Type: "ActionResult", Payload: actionResultPayload{Accepted: false, Reason: string(engine.CodeOf(err))}})
			return
		}
		g.sendJSON(c, serverMsg{Type: "ActionResult", Payload: actionResultPayload{Accepted: true}})
	case "ChatSend":
		var p chatSendPayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.TableID != "" {
			muted, err := g.store.IsMuted(ctx, p.TableID, c.userID)
			if err != nil {
				g.log.Debugf("gateway.chat.muteCheck.failed: %v", err)
			}
			if !muted {
				g.broadcastChat(p.TableID, c.userID, p.Text)
			}
		}
	}
}

// writePump serializes writes to the socket (gorilla/websocket requires a
// single writer goroutine per connection) and drives the heartbeat.
func (g *Gateway) writePump(c *conn) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case b, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
