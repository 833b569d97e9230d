// Package orchestrator is the stateful coordinator that owns every table
// state transition: it loads/saves state through the store under the
// per-table serializer, drives the pure hand engine, dispatches ledger
// calls, emits events, publishes snapshots, and manages the turn and
// next-hand timers. Ledger calls run outside table tasks or fire-and-forget,
// except SettlePot, which the hand-ended pipeline calls synchronously while
// the table task holds the state; the seat-join pipeline releases the table
// queue around its ledger reservation.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ontable/holdem/pkg/broadcast"
	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/events"
	"github.com/ontable/holdem/pkg/ledger"
	"github.com/ontable/holdem/pkg/serializer"
)

const nextHandDelay = 3000 * time.Millisecond

// Store is the slice of the Table Store (C2) the orchestrator consumes.
// *store.Store and *store.Memory both satisfy it; taking the interface here
// keeps fakes trivial for property tests.
type Store interface {
	SaveTable(ctx context.Context, t *engine.Table) error
	LoadTable(ctx context.Context, tableID string) (*engine.Table, error)
	DeleteTable(ctx context.Context, tableID, ownerID string) error
	ListTableIDs(ctx context.Context) ([]string, error)
	SaveState(ctx context.Context, st *engine.TableState) error
	LoadState(ctx context.Context, tableID string) (*engine.TableState, error)
	Mute(ctx context.Context, tableID, targetUserID string) error
	Unmute(ctx context.Context, tableID, targetUserID string) error
}

// Broadcaster is the slice of the Broadcast Bus (C7) the orchestrator
// consumes; *broadcast.Bus satisfies it.
type Broadcaster interface {
	PublishTableSnapshot(ctx context.Context, state *engine.TableState) error
	PublishLobbyUpdate(ctx context.Context, tables []broadcast.TableSummary) error
}

// Metrics are the prometheus collectors the orchestrator increments
// directly; the RPC adapter owns request-level timing, these count
// gameplay-level outcomes.
type Metrics struct {
	HandsStarted   prometheus.Counter
	TurnTimeouts   prometheus.Counter
	ActionsApplied prometheus.Counter
	TurnDuration   prometheus.Histogram
	SeatJoins      *prometheus.CounterVec
}

// NewMetrics registers the orchestrator's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HandsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holdem_hands_started_total",
			Help: "Number of hands started across all tables.",
		}),
		TurnTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holdem_turn_timeouts_total",
			Help: "Number of turns that expired and were auto-resolved.",
		}),
		ActionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holdem_actions_applied_total",
			Help: "Number of player actions successfully applied.",
		}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "holdem_turn_duration_seconds",
			Help:    "Time between a turn starting and the seat acting.",
			Buckets: prometheus.DefBuckets,
		}),
		SeatJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holdem_seat_joins_total",
			Help: "Seat join attempts by outcome label.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.HandsStarted, m.TurnTimeouts, m.ActionsApplied, m.TurnDuration, m.SeatJoins)
	return m
}

// turnMeta tracks the in-flight turn timer for one table so an expiry
// callback can detect whether the hand/turn it was armed for is stale.
type turnMeta struct {
	handID    string
	seatID    int
	startedAt time.Time
	timer     *time.Timer
	timedOut  bool // sticky for the lifetime of the hand: drives "timeout" outcome label
}

// Orchestrator is the Table Orchestrator. Safe for concurrent use: all
// state-mutating operations run inside the keyed serializers.
type Orchestrator struct {
	store    Store
	tableQ   *serializer.Queue
	seatQ    *serializer.Queue
	ledger   ledger.Client
	eventsP  events.Publisher
	bus      Broadcaster
	log      slog.Logger
	metrics  *Metrics
	turnSecs int

	mu         sync.Mutex
	turnTimers map[string]*turnMeta // tableId -> active turn timer metadata
	nextTimers map[string]*time.Timer
}

// New builds an Orchestrator. turnSecs is the default turnTimerSeconds used
// when a table's config doesn't specify one explicitly.
func New(st Store, ledgerClient ledger.Client, eventsPublisher events.Publisher, bus Broadcaster, log slog.Logger, metrics *Metrics, turnSecs int) *Orchestrator {
	return &Orchestrator{
		store:      st,
		tableQ:     serializer.New(log),
		seatQ:      serializer.New(log),
		ledger:     ledgerClient,
		eventsP:    eventsPublisher,
		bus:        bus,
		log:        log,
		metrics:    metrics,
		turnSecs:   turnSecs,
		turnTimers: make(map[string]*turnMeta),
		nextTimers: make(map[string]*time.Timer),
	}
}

// Shutdown clears every pending table/seat task and cancels all timers.
func (o *Orchestrator) Shutdown() {
	o.tableQ.Clear()
	o.seatQ.Clear()
	o.mu.Lock()
	for _, m := range o.turnTimers {
		if m.timer != nil {
			m.timer.Stop()
		}
	}
	for _, t := range o.nextTimers {
		t.Stop()
	}
	o.turnTimers = make(map[string]*turnMeta)
	o.nextTimers = make(map[string]*time.Timer)
	o.mu.Unlock()
}

// CreateTable persists a new table + empty state and publishes both the
// table snapshot and an updated lobby listing.
func (o *Orchestrator) CreateTable(ctx context.Context, name, ownerID string, cfg engine.Config, now time.Time) (*engine.Table, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	table := &engine.Table{
		TableID:   uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
		Config:    cfg,
		Status:    engine.TableWaiting,
	}
	if err := o.store.SaveTable(ctx, table); err != nil {
		return nil, engine.NewError(engine.ErrInternal, err.Error())
	}
	state := engine.NewTableState(table.TableID, cfg.MaxPlayers)
	state.Version = 1
	state.UpdatedAt = now
	if err := o.store.SaveState(ctx, state); err != nil {
		return nil, engine.NewError(engine.ErrInternal, err.Error())
	}
	o.eventsP.Emit(ctx, events.Event{
		Type:           events.TableCreated,
		TableID:        table.TableID,
		UserID:         ownerID,
		IdempotencyKey: "event:TABLE_CREATED:" + table.TableID,
	})
	o.publishSnapshot(ctx, state)
	o.publishLobby(ctx)
	return table, nil
}

func validateConfig(cfg engine.Config) error {
	if cfg.SmallBlind <= 0 {
		return engine.NewError(engine.ErrInvalidAction, "smallBlind must be positive")
	}
	if cfg.BigBlind < 2*cfg.SmallBlind {
		return engine.NewError(engine.ErrInvalidAction, "bigBlind must be >= 2x smallBlind")
	}
	if cfg.Ante < 0 || cfg.Ante >= cfg.SmallBlind {
		return engine.NewError(engine.ErrInvalidAction, "ante must be >= 0 and < smallBlind")
	}
	if cfg.MaxPlayers < 2 || cfg.MaxPlayers > 9 {
		return engine.NewError(engine.ErrInvalidAction, "maxPlayers must be between 2 and 9")
	}
	if cfg.StartingStack <= 0 {
		return engine.NewError(engine.ErrInvalidAction, "startingStack must be positive")
	}
	if cfg.TurnTimerSeconds <= 0 {
		return engine.NewError(engine.ErrInvalidAction, "turnTimerSeconds must be positive")
	}
	return nil
}

// DeleteTable removes a table's metadata and state, and republishes the
// lobby listing.
func (o *Orchestrator) DeleteTable(ctx context.Context, tableID string) error {
	_, err := serializer.Run(ctx, o.tableQ, tableID, func(ctx context.Context) (struct{}, error) {
		table, err := o.store.LoadTable(ctx, tableID)
		if err != nil {
			return struct{}{}, engine.NewError(engine.ErrInternal, err.Error())
		}
		if table == nil {
			return struct{}{}, engine.NewError(engine.ErrTableNotFound, tableID)
		}
		state, _ := o.store.LoadState(ctx, tableID)
		if state != nil && state.Hand != nil && state.Hand.EndedAt == nil {
			// Deleting a table mid-hand voids the pot; tell the ledger so
			// contributions recorded for this hand can be reconciled back.
			handID := state.Hand.HandID
			fireAndForget(o.log, "cancelPot", func() error {
				res := o.ledger.CancelPot(context.Background(), tableID, handID, ledger.SettleKey(tableID, handID))
				if res.Unavailable {
					o.eventsP.Emit(context.Background(), events.Event{
						Type:           events.BalanceUnavailable,
						TableID:        tableID,
						HandID:         handID,
						Payload:        map[string]any{"action": "CANCEL_POT"},
						IdempotencyKey: actionIdempotencyKey("BALANCE_UNAVAILABLE", "cancel:"+handID),
					})
				}
				return nil
			})
		}
		if err := o.store.DeleteTable(ctx, tableID, table.OwnerID); err != nil {
			return struct{}{}, engine.NewError(engine.ErrInternal, err.Error())
		}
		o.clearTurnTimer(tableID)
		o.clearNextHandTimer(tableID)
		o.eventsP.Emit(ctx, events.Event{
			Type:           events.TableDeleted,
			TableID:        tableID,
			IdempotencyKey: "event:TABLE_DELETED:" + tableID,
		})
		return struct{}{}, nil
	})
	if err == nil {
		o.publishLobby(ctx)
	}
	return err
}

// GetTable returns table metadata, or ErrTableNotFound.
func (o *Orchestrator) GetTable(ctx context.Context, tableID string) (*engine.Table, error) {
	table, err := o.store.LoadTable(ctx, tableID)
	if err != nil {
		return nil, engine.NewError(engine.ErrInternal, err.Error())
	}
	if table == nil {
		return nil, engine.NewError(engine.ErrTableNotFound, tableID)
	}
	return table, nil
}

// GetTableState returns a state snapshot redacted for userID (empty string
// for an unauthenticated/spectator view). If a hand is in progress but no
// turn timer is currently armed (e.g. after a process restart), it re-arms
// one. Turn timers are otherwise started by the action, hand-start,
// leave-seat and timeout paths.
func (o *Orchestrator) GetTableState(ctx context.Context, tableID, userID string) (*engine.TableState, error) {
	state, err := o.store.LoadState(ctx, tableID)
	if err != nil {
		return nil, engine.NewError(engine.ErrInternal, err.Error())
	}
	if state == nil {
		return nil, engine.NewError(engine.ErrTableNotFound, tableID)
	}
	if state.Hand != nil && state.Hand.EndedAt == nil {
		o.mu.Lock()
		_, armed := o.turnTimers[tableID]
		o.mu.Unlock()
		if !armed {
			table, terr := o.store.LoadTable(ctx, tableID)
			if terr == nil && table != nil {
				o.startTurnTimer(tableID, state.Hand.HandID, state.Hand.Turn, table.Config.TurnTimerSeconds)
			}
		}
	}
	return broadcast.Redact(state, userID), nil
}

func (o *Orchestrator) publishSnapshot(ctx context.Context, state *engine.TableState) {
	if err := o.bus.PublishTableSnapshot(ctx, state); err != nil {
		o.log.Errorf("broadcast.publishTableSnapshot.failed: %v", err)
	}
}

func (o *Orchestrator) publishLobby(ctx context.Context) {
	ids, err := o.store.ListTableIDs(ctx)
	if err != nil {
		o.log.Errorf("broadcast.publishLobby.failed: list tables: %v", err)
		return
	}
	summaries := make([]broadcast.TableSummary, 0, len(ids))
	for _, id := range ids {
		table, err := o.store.LoadTable(ctx, id)
		if err != nil || table == nil {
			continue
		}
		state, err := o.store.LoadState(ctx, id)
		if err != nil {
			continue
		}
		players := 0
		if state != nil {
			for _, seat := range state.Seats {
				if seat.Occupied() {
					players++
				}
			}
		}
		summaries = append(summaries, broadcast.TableSummary{
			TableID:     table.TableID,
			Name:        table.Name,
			Status:      string(table.Status),
			PlayerCount: players,
			MaxPlayers:  table.Config.MaxPlayers,
			SmallBlind:  table.Config.SmallBlind,
			BigBlind:    table.Config.BigBlind,
		})
	}
	if err := o.bus.PublishLobbyUpdate(ctx, summaries); err != nil {
		o.log.Errorf("broadcast.publishLobby.failed: %v", err)
	}
}

func fireAndForget(log slog.Logger, op string, fn func() error) {
	events.FireAndForget(log, "orchestrator", op, fn)
}

func actionIdempotencyKey(prefix, id string) string {
	return fmt.Sprintf("event:%s:%s", prefix, id)
}
