// Package events implements fire-and-forget emission of domain events to
// the external event store, with deterministic idempotency keys so
// downstream consumers can dedupe retries. Delivery runs on a bounded
// worker pool draining a buffered channel; a full queue drops and logs
// rather than blocking gameplay.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/decred/slog"
)

// Type is a domain event type.
type Type string

const (
	TableCreated       Type = "TABLE_CREATED"
	TableDeleted       Type = "TABLE_DELETED"
	PlayerJoined       Type = "PLAYER_JOINED"
	PlayerLeft         Type = "PLAYER_LEFT"
	SpectatorJoined    Type = "SPECTATOR_JOINED"
	SpectatorLeft      Type = "SPECTATOR_LEFT"
	HandStarted        Type = "HAND_STARTED"
	HandEnded          Type = "HAND_ENDED"
	HandCompleted      Type = "HAND_COMPLETED"
	PreflopDealt       Type = "PREFLOP_DEALT"
	FlopDealt          Type = "FLOP_DEALT"
	TurnDealt          Type = "TURN_DEALT"
	RiverDealt         Type = "RIVER_DEALT"
	ActionTaken        Type = "ACTION_TAKEN"
	TurnStarted        Type = "TURN_STARTED"
	TurnTimeout        Type = "TURN_TIMEOUT"
	CardsShown         Type = "CARDS_SHOWN"
	PotAwarded         Type = "POT_AWARDED"
	PlayerKicked       Type = "PLAYER_KICKED"
	PlayerMuted        Type = "PLAYER_MUTED"
	PlayerUnmuted      Type = "PLAYER_UNMUTED"
	BalanceUnavailable Type = "BALANCE_UNAVAILABLE"
	CashoutFailed      Type = "CASHOUT_FAILED"
	SettlementFailed   Type = "SETTLEMENT_FAILED"
	SessionStarted     Type = "SESSION_STARTED"
	SessionEnded       Type = "SESSION_ENDED"
)

// Event is the wire envelope for every published domain event.
type Event struct {
	Type           Type           `json:"type"`
	TableID        string         `json:"tableId"`
	HandID         string         `json:"handId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	SeatID         *int           `json:"seatId,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// Publisher emits domain events. Emit never blocks the caller on the event
// store being reachable; it logs failures under a fixed key instead.
type Publisher interface {
	Emit(ctx context.Context, ev Event)
}

// HTTPPublisher is the production Publisher: a bounded worker pool draining
// a buffered channel, POSTing each event to the event store's ingest
// endpoint.
type HTTPPublisher struct {
	endpoint string
	hc       *http.Client
	log      slog.Logger
	queue    chan Event
	workers  int
	stop     chan struct{}
}

// NewHTTPPublisher starts workers goroutines draining a channel of
// bufferSize pending events.
func NewHTTPPublisher(endpoint string, workers, bufferSize int, log slog.Logger) *HTTPPublisher {
	if workers <= 0 {
		workers = 4
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	p := &HTTPPublisher{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: 5 * time.Second},
		log:      log,
		queue:    make(chan Event, bufferSize),
		workers:  workers,
		stop:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.eventWorker()
	}
	return p
}

// Emit enqueues ev for async delivery. If the queue is full the event is
// dropped and logged rather than blocking the caller; never silently
// swallowed.
func (p *HTTPPublisher) Emit(ctx context.Context, ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.log.Errorf("events.emit.failed: queue full, dropping %s for table %s", ev.Type, ev.TableID)
	}
}

func (p *HTTPPublisher) eventWorker() {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ev)
		case <-p.stop:
			return
		}
	}
}

func (p *HTTPPublisher) deliver(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorf("events.emit.failed: marshal %s: %v", ev.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/events", bytes.NewReader(b))
	if err != nil {
		p.log.Errorf("events.emit.failed: build request for %s: %v", ev.Type, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.hc.Do(req)
	if err != nil {
		p.log.Errorf("events.emit.failed: %s for table %s: %v", ev.Type, ev.TableID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		p.log.Errorf("events.emit.failed: %s for table %s: status %d", ev.Type, ev.TableID, resp.StatusCode)
	}
}

// Shutdown stops the worker pool; pending queued events are dropped.
func (p *HTTPPublisher) Shutdown() {
	close(p.stop)
}

// FireAndForget runs fn in its own goroutine and logs any returned error
// under a fixed "{subsystem}.{op}.failed" key instead of letting it vanish
// silently.
func FireAndForget(log slog.Logger, subsystem, op string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			log.Errorf("%s.%s.failed: %v", subsystem, op, err)
		}
	}()
}
