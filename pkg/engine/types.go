// Package engine implements the deterministic Hold'em hand engine: pure
// functions over table state (deal, bet rounds, pot splits, hand ranking,
// street advance, showdown resolution). Nothing in this package performs
// I/O; callers (pkg/orchestrator) own persistence, ledger calls and events.
package engine

import (
	"time"

	"github.com/ontable/holdem/pkg/cards"
)

// TableStatus is the lifecycle status of a Table.
type TableStatus string

const (
	TableWaiting TableStatus = "WAITING"
	TablePlaying TableStatus = "PLAYING"
	TablePaused  TableStatus = "PAUSED"
	TableClosed  TableStatus = "CLOSED"
)

// SeatStatus is the lifecycle status of a single seat.
type SeatStatus string

const (
	SeatEmpty        SeatStatus = "EMPTY"
	SeatReserved     SeatStatus = "RESERVED"
	SeatSeated       SeatStatus = "SEATED"
	SeatActive       SeatStatus = "ACTIVE"
	SeatFolded       SeatStatus = "FOLDED"
	SeatAllIn        SeatStatus = "ALL_IN"
	SeatSittingOut   SeatStatus = "SITTING_OUT"
	SeatDisconnected SeatStatus = "DISCONNECTED"
)

// Street is a betting round.
type Street string

const (
	StreetPreflop  Street = "PREFLOP"
	StreetFlop     Street = "FLOP"
	StreetTurn     Street = "TURN"
	StreetRiver    Street = "RIVER"
	StreetShowdown Street = "SHOWDOWN"
)

// ActionType is the tag of an ActionInput/Action.
type ActionType string

const (
	ActionPostBlind ActionType = "POST_BLIND"
	ActionFold      ActionType = "FOLD"
	ActionCheck     ActionType = "CHECK"
	ActionCall      ActionType = "CALL"
	ActionBet       ActionType = "BET"
	ActionRaise     ActionType = "RAISE"
	ActionAllIn     ActionType = "ALL_IN"
)

// Config is a table's immutable game configuration.
type Config struct {
	SmallBlind       int64
	BigBlind         int64
	Ante             int64
	MaxPlayers       int
	StartingStack    int64
	TurnTimerSeconds int
}

// Table is the immutable-config + lifecycle-status half of a table. It never
// changes except via explicit orchestrator operations (createTable,
// deleteTable, pauseTable/resumeTable).
type Table struct {
	TableID   string
	Name      string
	OwnerID   string
	CreatedAt time.Time
	Config    Config
	Status    TableStatus
}

// Spectator is a non-seated observer of a table.
type Spectator struct {
	UserID   string
	Status   string
	JoinedAt time.Time
}

// Seat is one of the fixed-length slots in a TableState.
type Seat struct {
	SeatID              int
	UserID              *string
	Stack               int64
	Status              SeatStatus
	HoleCards           []cards.Card
	ReservationID       *string
	PendingBuyInAmount  *int64
	BuyInIdempotencyKey *string
	LastAction          *time.Time
}

// Occupied reports whether a seat currently belongs to a user (any status
// other than EMPTY).
func (s Seat) Occupied() bool { return s.Status != SeatEmpty }

// EligibleForHand reports whether a seat can be dealt into a new hand.
func (s Seat) EligibleForHand() bool {
	return s.UserID != nil && s.Stack > 0 &&
		(s.Status == SeatSeated || s.Status == SeatActive || s.Status == SeatAllIn)
}

// Action is one recorded entry in a hand's action log.
type Action struct {
	ActionID  string
	HandID    string
	SeatID    int
	UserID    string
	Type      ActionType
	Amount    int64
	Timestamp time.Time
}

// Pot is one pot (main or side) with its eligible seats and, once settled,
// its winners.
type Pot struct {
	Amount        int64
	EligibleSeats map[int]bool
	Winners       []int
}

// Clone returns a deep copy of the pot.
func (p Pot) Clone() Pot {
	el := make(map[int]bool, len(p.EligibleSeats))
	for k, v := range p.EligibleSeats {
		el[k] = v
	}
	w := append([]int{}, p.Winners...)
	return Pot{Amount: p.Amount, EligibleSeats: el, Winners: w}
}

// HandState is the state of one hand in progress (or just-completed,
// pending the hand-ended pipeline).
type HandState struct {
	HandID  string
	TableID string
	Street  Street

	CommunityCards []cards.Card
	Deck           []cards.Card // remaining, undealt

	Pots []Pot

	CurrentBet    int64
	MinRaise      int64
	BigBlind      int64
	Turn          int
	LastAggressor int

	RoundContributions map[int]int64
	TotalContributions map[int]int64
	ActedSeats         map[int]bool
	RaiseCapped        bool

	Actions []Action

	RakeAmount int64
	StartedAt  time.Time
	EndedAt    *time.Time
	Winners    []int
}

// TableState is the authoritative, mutable snapshot. Mutated only by the
// functions in this package, and only ever from within the per-table
// serializer (pkg/serializer) in production use.
type TableState struct {
	TableID    string
	Button     int
	Version    int64
	UpdatedAt  time.Time
	Seats      []Seat
	Spectators []Spectator
	Hand       *HandState
}

// ActionInput is the tagged-union request a caller submits to applyAction.
type ActionInput struct {
	Type   ActionType
	Amount *int64 // required for BET/RAISE, optional for ALL_IN
}

// LegalAction describes one action the current seat may take, with its
// amount bounds when the action is amount-bearing.
type LegalAction struct {
	Type      ActionType
	MinAmount int64
	MaxAmount int64
}

// NewTableState returns an empty state with maxPlayers EMPTY seats.
func NewTableState(tableID string, maxPlayers int) *TableState {
	seats := make([]Seat, maxPlayers)
	for i := range seats {
		seats[i] = Seat{SeatID: i, Status: SeatEmpty}
	}
	return &TableState{
		TableID: tableID,
		Button:  -1, // no previous button; StartHand treats this as "start from the lowest eligible seat"
		Seats:   seats,
	}
}

// Clone deep-copies a TableState so pure engine functions never mutate the
// caller's copy in place.
func (s *TableState) Clone() *TableState {
	out := &TableState{
		TableID:   s.TableID,
		Button:    s.Button,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
	out.Seats = make([]Seat, len(s.Seats))
	for i, seat := range s.Seats {
		ns := seat
		ns.HoleCards = append([]cards.Card{}, seat.HoleCards...)
		if seat.UserID != nil {
			u := *seat.UserID
			ns.UserID = &u
		}
		if seat.ReservationID != nil {
			r := *seat.ReservationID
			ns.ReservationID = &r
		}
		if seat.PendingBuyInAmount != nil {
			a := *seat.PendingBuyInAmount
			ns.PendingBuyInAmount = &a
		}
		if seat.BuyInIdempotencyKey != nil {
			k := *seat.BuyInIdempotencyKey
			ns.BuyInIdempotencyKey = &k
		}
		if seat.LastAction != nil {
			t := *seat.LastAction
			ns.LastAction = &t
		}
		out.Seats[i] = ns
	}
	out.Spectators = append([]Spectator{}, s.Spectators...)
	if s.Hand != nil {
		h := *s.Hand
		h.CommunityCards = append([]cards.Card{}, s.Hand.CommunityCards...)
		h.Deck = append([]cards.Card{}, s.Hand.Deck...)
		h.Pots = make([]Pot, len(s.Hand.Pots))
		for i, p := range s.Hand.Pots {
			h.Pots[i] = p.Clone()
		}
		h.RoundContributions = cloneIntMap(s.Hand.RoundContributions)
		h.TotalContributions = cloneIntMap(s.Hand.TotalContributions)
		h.ActedSeats = cloneBoolMap(s.Hand.ActedSeats)
		h.Actions = append([]Action{}, s.Hand.Actions...)
		h.Winners = append([]int{}, s.Hand.Winners...)
		if s.Hand.EndedAt != nil {
			t := *s.Hand.EndedAt
			h.EndedAt = &t
		}
		out.Hand = &h
	}
	return out
}

func cloneIntMap(m map[int]int64) map[int]int64 {
	out := make(map[int]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[int]bool) map[int]bool {
	out := make(map[int]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SeatByID returns a pointer into s.Seats for the given seat id, or nil.
func (s *TableState) SeatByID(seatID int) *Seat {
	if seatID < 0 || seatID >= len(s.Seats) {
		return nil
	}
	return &s.Seats[seatID]
}

// isActor reports whether a seat can still act this round: ACTIVE, or
// DISCONNECTED (acted for by the turn timer's auto fold/check).
func isActor(s SeatStatus) bool { return s == SeatActive || s == SeatDisconnected }

// nonFoldedSeats returns seat ids still in the hand (ACTIVE, ALL_IN, or
// DISCONNECTED), whether or not they can still act this round.
func (s *TableState) nonFoldedSeats() []int {
	var out []int
	for _, seat := range s.Seats {
		if isActor(seat.Status) || seat.Status == SeatAllIn {
			out = append(out, seat.SeatID)
		}
	}
	return out
}
