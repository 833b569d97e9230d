package engine

import (
	"fmt"
	"time"
)

// DeriveLegalActions enumerates the legal action set for the seat whose turn
// it currently is.
func DeriveLegalActions(hand *HandState, seat *Seat) []LegalAction {
	out := []LegalAction{{Type: ActionFold}}

	roundContrib := hand.RoundContributions[seat.SeatID]
	toCall := hand.CurrentBet - roundContrib
	if toCall < 0 {
		toCall = 0
	}
	maxTotal := seat.Stack + roundContrib

	if toCall == 0 {
		out = append(out, LegalAction{Type: ActionCheck})
		if hand.CurrentBet == 0 {
			out = append(out, LegalAction{Type: ActionBet, MinAmount: min64(hand.MinRaise, maxTotal), MaxAmount: maxTotal})
		} else if canRaise(hand, seat.SeatID) {
			out = append(out, raiseAction(hand, maxTotal))
		}
	} else {
		callAmount := toCall
		if callAmount > seat.Stack {
			callAmount = seat.Stack
		}
		out = append(out, LegalAction{Type: ActionCall, MinAmount: callAmount, MaxAmount: callAmount})
		if canRaise(hand, seat.SeatID) {
			out = append(out, raiseAction(hand, maxTotal))
		}
	}

	out = append(out, LegalAction{Type: ActionAllIn, MinAmount: maxTotal, MaxAmount: maxTotal})
	return out
}

func raiseAction(hand *HandState, maxTotal int64) LegalAction {
	minTotal := hand.CurrentBet + hand.MinRaise
	if minTotal > maxTotal {
		minTotal = maxTotal
	}
	return LegalAction{Type: ActionRaise, MinAmount: minTotal, MaxAmount: maxTotal}
}

func canRaise(hand *HandState, seatID int) bool {
	return !hand.RaiseCapped || !hand.ActedSeats[seatID]
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func findLegal(legal []LegalAction, t ActionType) (LegalAction, bool) {
	for _, l := range legal {
		if l.Type == t {
			return l, true
		}
	}
	return LegalAction{}, false
}

// applyAmountAction commits `totalAmount` as the seat's new round
// contribution (not a delta), updating stack/contributions/currentBet and
// the raise-cap bookkeeping. Raising the current bet by at least
// hand.MinRaise is a full raise (resets actedSeats, re-opens the betting
// round); a smaller rise is a short all-in that caps future raises for
// seats who have already acted this round.
func applyAmountAction(hand *HandState, seat *Seat, totalAmount int64) {
	roundContrib := hand.RoundContributions[seat.SeatID]
	delta := totalAmount - roundContrib
	if delta > seat.Stack {
		delta = seat.Stack
	}
	if delta < 0 {
		delta = 0
	}
	seat.Stack -= delta
	newTotal := roundContrib + delta
	hand.RoundContributions[seat.SeatID] = newTotal
	hand.TotalContributions[seat.SeatID] += delta
	oldBet := hand.CurrentBet

	if newTotal > oldBet {
		raiseSize := newTotal - oldBet
		hand.CurrentBet = newTotal
		if raiseSize >= hand.MinRaise {
			hand.MinRaise = raiseSize
			hand.LastAggressor = seat.SeatID
			hand.ActedSeats = map[int]bool{seat.SeatID: true}
			hand.RaiseCapped = false
		} else {
			hand.RaiseCapped = true
			hand.ActedSeats[seat.SeatID] = true
		}
	} else {
		hand.ActedSeats[seat.SeatID] = true
	}

	if seat.Stack == 0 {
		seat.Status = SeatAllIn
	}
}

// ApplyAction validates and applies one action from the seat whose turn it
// currently is, returning the resulting TableState (the post-action
// resolution pipeline in resolve.go has already run). allowInactive permits
// a DISCONNECTED seat to FOLD or CHECK, matching the turn-timer auto-action
// path.
func ApplyAction(state *TableState, seatID int, input ActionInput, allowInactive bool, now time.Time) (*TableState, error) {
	if state.Hand == nil {
		return nil, NewError(ErrNoHand, "no hand in progress")
	}
	if state.Hand.Turn != seatID {
		return nil, NewError(ErrNotYourTurn, "not this seat's turn")
	}
	seat := state.SeatByID(seatID)
	if seat == nil {
		return nil, NewError(ErrSeatMissing, "unknown seat")
	}

	next := state.Clone()
	hand := next.Hand
	nseat := next.SeatByID(seatID)

	if nseat.Status != SeatActive {
		allowedWhileInactive := allowInactive && nseat.Status == SeatDisconnected &&
			(input.Type == ActionFold || input.Type == ActionCheck)
		if !allowedWhileInactive {
			return nil, NewError(ErrSeatInactive, "seat is not active")
		}
	}

	legal := DeriveLegalActions(hand, nseat)
	chosen, ok := findLegal(legal, input.Type)
	if !ok {
		return nil, NewError(ErrIllegalAction, fmt.Sprintf("%s is not a legal action", input.Type))
	}

	var amount int64
	switch input.Type {
	case ActionBet, ActionRaise:
		if input.Amount == nil {
			return nil, NewError(ErrMissingAmount, "amount is required")
		}
		amount = *input.Amount
		if amount < chosen.MinAmount {
			return nil, NewError(ErrAmountTooSmall, "amount below the legal minimum")
		}
		if amount > chosen.MaxAmount {
			return nil, NewError(ErrAmountTooLarge, "amount above the legal maximum")
		}
	case ActionAllIn:
		amount = chosen.MaxAmount
	case ActionCall:
		amount = hand.RoundContributions[seatID] + chosen.MinAmount
	}

	switch input.Type {
	case ActionFold:
		nseat.Status = SeatFolded
	case ActionCheck:
		hand.ActedSeats[seatID] = true
	case ActionCall:
		applyAmountAction(hand, nseat, amount)
	case ActionBet, ActionRaise, ActionAllIn:
		applyAmountAction(hand, nseat, amount)
	}

	hand.Actions = append(hand.Actions, Action{
		ActionID:  fmt.Sprintf("%s:%d", hand.HandID, len(hand.Actions)),
		HandID:    hand.HandID,
		SeatID:    seatID,
		UserID:    derefOrEmpty(nseat.UserID),
		Type:      input.Type,
		Amount:    amount,
		Timestamp: now,
	})
	nseat.LastAction = &now

	hand.Pots = computePots(hand, next.Seats)

	return resolveAfterAction(next, now)
}
