// Package gateway owns WebSocket connection lifecycle, per-connection
// channel subscriptions, and delivery of broadcast bus envelopes to local
// sockets. A per-process Redis subscriber converts inbound envelopes into
// per-socket sends, so any number of gateway instances can fan out the
// same published snapshot.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/decred/slog"

	"github.com/ontable/holdem/pkg/broadcast"
	"github.com/ontable/holdem/pkg/cards"
	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/events"
	"github.com/ontable/holdem/pkg/orchestrator"
	"github.com/ontable/holdem/pkg/statemachine"
)

// Registry is the slice of the Table Store the gateway consumes for the
// cross-instance connection registry; *store.Store and *store.Memory both
// satisfy it.
type Registry interface {
	RegisterConnection(ctx context.Context, connectionID, userID string) error
	DeregisterConnection(ctx context.Context, connectionID, userID string) error
	IsMuted(ctx context.Context, tableID, targetUserID string) (bool, error)
}

const (
	authDeadline    = 5 * time.Second
	heartbeatPeriod = 30 * time.Second
	pongGrace       = 10 * time.Second
	writeWait       = 5 * time.Second
)

// Metrics holds the gateway's connection-count collector.
type Metrics struct {
	Connections prometheus.Gauge
}

// NewMetrics registers the gateway's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holdem_gateway_connections",
			Help: "Number of live gateway WebSocket connections on this process.",
		}),
	}
	reg.MustRegister(m.Connections)
	return m
}

// Authenticator resolves an opaque bearer token to a userId. Token
// verification belongs to the external auth provider, so this is
// deliberately a thin seam.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// TokenIsUserID is the default Authenticator: the bearer token is the
// user id verbatim. A real deployment swaps this for a JWT/session verifier
// without touching connection plumbing.
type TokenIsUserID struct{}

func (TokenIsUserID) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", context.Canceled
	}
	return token, nil
}

// conn is one live WebSocket connection.
type conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte

	mu            sync.Mutex
	subs          map[string]bool   // tableId -> subscribed; "lobby" is a table id too
	cardsSentHand map[string]string // tableId -> last handId a HoleCards push was sent for

	sm *statemachine.Machine[conn] // connecting -> authenticated -> active -> closed
}

func (c *conn) subscribed(tableID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[tableID]
}

func (c *conn) setSub(tableID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[tableID] = true
	} else {
		delete(c.subs, tableID)
	}
}

// shouldSendHoleCards reports whether a HoleCards push for (tableID, handID)
// hasn't been sent to this connection yet, recording it as sent if so.
func (c *conn) shouldSendHoleCards(tableID, handID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cardsSentHand[tableID] == handID {
		return false
	}
	c.cardsSentHand[tableID] = handID
	return true
}

func (c *conn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// Gateway owns the process-local connection set and fans out broadcast bus
// envelopes. It calls into the orchestrator directly for client
// Action/Subscribe messages rather than hopping through the HTTP RPC
// adapter, since both live in the same process.
type Gateway struct {
	orc     *orchestrator.Orchestrator
	store   Registry
	bus     *broadcast.Bus
	events  events.Publisher
	auth    Authenticator
	log     slog.Logger
	metrics *Metrics

	upgrader   websocket.Upgrader
	trustProxy bool

	mu    sync.Mutex
	conns map[string]*conn // connectionId -> conn
}

// New builds a Gateway.
func New(orc *orchestrator.Orchestrator, st Registry, bus *broadcast.Bus, pub events.Publisher, auth Authenticator, log slog.Logger, metrics *Metrics, trustProxy bool) *Gateway {
	if auth == nil {
		auth = TokenIsUserID{}
	}
	return &Gateway{
		orc:        orc,
		store:      st,
		bus:        bus,
		events:     pub,
		auth:       auth,
		log:        log,
		metrics:    metrics,
		trustProxy: trustProxy,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:      make(map[string]*conn),
	}
}

// Run starts the Redis subscriber that fans broadcast bus envelopes out to
// local sockets. Blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	sub := g.bus.Subscribe(ctx)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.dispatch(ctx, msg.Payload)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, payload string) {
	var env broadcast.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		g.log.Errorf("gateway.dispatch.failed: %v", err)
		return
	}

	targets := g.connectionsFor(env.TableID)
	for _, c := range targets {
		g.sendTableOrLobbyEnvelope(ctx, c, env)
	}
}

// sendTableOrLobbyEnvelope re-derives a per-viewer TableSnapshot for table
// envelopes (keeping the viewer's own hole cards) rather than forwarding
// the globally-redacted broadcast payload verbatim.
func (g *Gateway) sendTableOrLobbyEnvelope(ctx context.Context, c *conn, env broadcast.Envelope) {
	if env.Channel != "table" {
		g.sendJSON(c, env.Payload)
		return
	}
	state, err := g.orc.GetTableState(ctx, env.TableID, c.userID)
	if err != nil {
		return
	}
	personalized := broadcast.TableSnapshotPayload{Type: "TableSnapshot", TableState: broadcast.Redact(state, c.userID)}
	g.sendJSON(c, personalized)
	g.maybeSendHoleCards(c, env.TableID, state)
}

// maybeSendHoleCards pushes a dedicated HoleCards message the first time a
// connection observes its own seat holding cards for a given hand.
func (g *Gateway) maybeSendHoleCards(c *conn, tableID string, state *engine.TableState) {
	if state.Hand == nil {
		return
	}
	for i := range state.Seats {
		seat := &state.Seats[i]
		if seat.UserID == nil || *seat.UserID != c.userID || len(seat.HoleCards) == 0 {
			continue
		}
		if c.shouldSendHoleCards(tableID, state.Hand.HandID) {
			g.sendJSON(c, serverMsg{Type: "HoleCards", Payload: holeCardsPayload{
				TableID: tableID,
				HandID:  state.Hand.HandID,
				Cards:   seat.HoleCards,
			}})
		}
		return
	}
}

type chatMessagePayload struct {
	TableID string `json:"tableId"`
	UserID  string `json:"userId"`
	Text    string `json:"text"`
}

// broadcastChat fans a ChatSend out to every local connection subscribed
// to tableId. Chat is ephemeral: a local, best-effort relay rather than a
// persisted domain event.
func (g *Gateway) broadcastChat(tableID, userID, text string) {
	for _, c := range g.connectionsFor(tableID) {
		g.sendJSON(c, serverMsg{Type: "ChatMessage", Payload: chatMessagePayload{TableID: tableID, UserID: userID, Text: text}})
	}
}

func (g *Gateway) connectionsFor(tableID string) []*conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*conn
	for _, c := range g.conns {
		if c.subscribed(tableID) {
			out = append(out, c)
		}
	}
	return out
}

func (g *Gateway) sendJSON(c *conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		g.log.Warnf("gateway.send.dropped: connection %s send buffer full", c.id)
	}
}

// trustProxyClientIP resolves the caller's IP, honoring the first
// X-Forwarded-For hop when the process runs behind a trusted proxy.
func (g *Gateway) trustProxyClientIP(r *http.Request) string {
	if g.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return firstHop(xff)
		}
	}
	return r.RemoteAddr
}

func firstHop(xff string) string {
	for i, c := range xff {
		if c == ',' {
			return xff[:i]
		}
	}
	return xff
}

// serverMsg and the payload types below are the server->client message
// shapes. ActionResult and HoleCards are pushed in direct response to a
// client's in-protocol Action / a hand's first deal.
type serverMsg struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type welcomePayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type actionResultPayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type holeCardsPayload struct {
	TableID string       `json:"tableId"`
	HandID  string       `json:"handId"`
	Cards   []cards.Card `json:"cards"`
}
