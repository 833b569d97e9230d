package engine

import (
	"fmt"
	"time"

	"github.com/ontable/holdem/pkg/cards"
)

// eligibleSeatOrder returns, in ascending seat-id order, the seats that
// qualify to be dealt into a new hand (SEATED/ACTIVE/ALL_IN, owned, stack >
// 0).
func eligibleSeatOrder(state *TableState) []int {
	var out []int
	for _, seat := range state.Seats {
		if seat.EligibleForHand() {
			out = append(out, seat.SeatID)
		}
	}
	return out
}

// nextEligible returns the first eligible seat strictly after `after` in
// seat-id order, wrapping around; if none is found besides `after` itself it
// returns `after`.
func nextEligible(eligible []int, after int) int {
	if len(eligible) == 0 {
		return after
	}
	// Find the smallest eligible seat id strictly greater than `after`; if
	// none, wrap to the smallest eligible seat id overall.
	next := -1
	for _, seatID := range eligible {
		if seatID > after && (next == -1 || seatID < next) {
			next = seatID
		}
	}
	if next == -1 {
		for _, seatID := range eligible {
			if next == -1 || seatID < next {
				next = seatID
			}
		}
	}
	return next
}

// StartHand begins a new hand on state, returning a new TableState (the
// input is never mutated). Requires >=2 eligible seats. seed drives the
// deterministic shuffle.
func StartHand(state *TableState, cfg Config, seed int64, handID string, now time.Time) (*TableState, error) {
	next := state.Clone()
	eligible := eligibleSeatOrder(next)
	if len(eligible) < 2 {
		return nil, NewError(ErrInvalidAction, "need at least two eligible seats to start a hand")
	}

	button := nextEligible(eligible, next.Button)
	var sbSeat, bbSeat int
	headsUp := len(eligible) == 2
	if headsUp {
		sbSeat = button
		bbSeat = nextEligible(eligible, button)
	} else {
		sbSeat = nextEligible(eligible, button)
		bbSeat = nextEligible(eligible, sbSeat)
	}
	next.Button = button

	hand := &HandState{
		HandID:              handID,
		TableID:             next.TableID,
		Street:              StreetPreflop,
		RoundContributions:  map[int]int64{},
		TotalContributions:  map[int]int64{},
		ActedSeats:          map[int]bool{},
		StartedAt:           now,
		BigBlind:            cfg.BigBlind,
	}

	contribute := func(seatID int, amount int64, actionType ActionType) {
		seat := next.SeatByID(seatID)
		if amount > seat.Stack {
			amount = seat.Stack
		}
		seat.Stack -= amount
		hand.RoundContributions[seatID] += amount
		hand.TotalContributions[seatID] += amount
		hand.Actions = append(hand.Actions, Action{
			ActionID:  fmt.Sprintf("%s:%d:%d", handID, len(hand.Actions), seatID),
			HandID:    handID,
			SeatID:    seatID,
			UserID:    derefOrEmpty(seat.UserID),
			Type:      actionType,
			Amount:    amount,
			Timestamp: now,
		})
		if seat.Stack == 0 {
			seat.Status = SeatAllIn
		}
	}

	if cfg.Ante > 0 {
		for _, seatID := range eligible {
			contribute(seatID, cfg.Ante, ActionPostBlind)
		}
	}
	contribute(sbSeat, cfg.SmallBlind, ActionPostBlind)
	contribute(bbSeat, cfg.BigBlind, ActionPostBlind)

	deck := cards.Shuffle(seed)
	for _, seatID := range eligible {
		seat := next.SeatByID(seatID)
		c1, _ := deck.Draw()
		c2, _ := deck.Draw()
		seat.HoleCards = []cards.Card{c1, c2}
		if seat.Status != SeatAllIn {
			seat.Status = SeatActive
		}
	}
	hand.Deck = deck.Remaining()

	hand.CurrentBet = cfg.BigBlind
	hand.MinRaise = cfg.BigBlind
	hand.LastAggressor = bbSeat
	hand.Turn = nextActiveAfter(next, bbSeat)
	hand.Pots = computePots(hand, next.Seats)

	next.Hand = hand
	return next, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nextActiveAfter returns the next seat that can act (ACTIVE, or
// DISCONNECTED awaiting the timer's auto-action) strictly after `after`,
// wrapping around. Returns `after` itself if no other seat can act.
func nextActiveAfter(state *TableState, after int) int {
	n := len(state.Seats)
	for offset := 1; offset <= n; offset++ {
		candidate := (after + offset) % n
		if seat := state.SeatByID(candidate); seat != nil && isActor(seat.Status) {
			return candidate
		}
	}
	return after
}

// NextActiveAfter is the exported entry point to nextActiveAfter, used by
// the orchestrator to advance hand.Turn off a seat that just left mid-hand.
func NextActiveAfter(state *TableState, after int) int {
	return nextActiveAfter(state, after)
}
