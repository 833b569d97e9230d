package engine

import (
	"sort"
	"time"

	"github.com/ontable/holdem/pkg/cards"
)

// isRoundComplete reports whether every seat that can still act has done so
// this betting round and, if there is a live bet, has matched it (or gone
// all-in trying). DISCONNECTED seats count: the turn timer folds or checks
// for them, so the round must wait on them like anyone else.
func isRoundComplete(hand *HandState, seats []Seat) bool {
	for _, seat := range seats {
		if !isActor(seat.Status) {
			continue
		}
		if !hand.ActedSeats[seat.SeatID] {
			return false
		}
		if hand.CurrentBet > 0 && hand.RoundContributions[seat.SeatID] < hand.CurrentBet {
			return false
		}
	}
	return true
}

// resolveAfterAction runs the post-action resolution pipeline: fold-win,
// runout, turn advance, showdown, or street advance, in that priority
// order.
func resolveAfterAction(state *TableState, now time.Time) (*TableState, error) {
	hand := state.Hand
	nonFolded := state.nonFoldedSeats()

	if len(nonFolded) == 1 {
		return endByFoldWin(state, nonFolded[0], now)
	}

	activeCount := 0
	for _, seat := range state.Seats {
		if isActor(seat.Status) {
			activeCount++
		}
	}
	if activeCount <= 1 && len(nonFolded) > 1 {
		return runout(state, now)
	}

	if !isRoundComplete(hand, state.Seats) {
		hand.Turn = nextActiveAfter(state, hand.Turn)
		return state, nil
	}

	if hand.Street == StreetRiver {
		return showdown(state, now)
	}
	return advanceStreet(state, now)
}

func endByFoldWin(state *TableState, winnerSeat int, now time.Time) (*TableState, error) {
	hand := state.Hand
	total := totalPotAmount(hand.Pots)
	hand.RakeAmount = calcRake(total)
	for i := range hand.Pots {
		hand.Pots[i].Winners = []int{winnerSeat}
	}
	hand.Winners = []int{winnerSeat}
	t := now
	hand.EndedAt = &t
	return state, nil
}

func runout(state *TableState, now time.Time) (*TableState, error) {
	hand := state.Hand
	deck := cards.NewDeckFromCards(hand.Deck)
	for len(hand.CommunityCards) < 5 {
		c, ok := deck.Draw()
		if !ok {
			break
		}
		hand.CommunityCards = append(hand.CommunityCards, c)
	}
	hand.Deck = deck.Remaining()
	return showdown(state, now)
}

func advanceStreet(state *TableState, now time.Time) (*TableState, error) {
	hand := state.Hand
	hand.RoundContributions = map[int]int64{}
	hand.CurrentBet = 0
	hand.MinRaise = hand.BigBlind
	hand.RaiseCapped = false
	hand.ActedSeats = map[int]bool{}

	deck := cards.NewDeckFromCards(hand.Deck)
	switch hand.Street {
	case StreetPreflop:
		hand.Street = StreetFlop
		drawN(hand, deck, 3)
	case StreetFlop:
		hand.Street = StreetTurn
		drawN(hand, deck, 1)
	case StreetTurn:
		hand.Street = StreetRiver
		drawN(hand, deck, 1)
	}
	hand.Deck = deck.Remaining()
	hand.Turn = nextActiveAfter(state, state.Button)
	return state, nil
}

func drawN(hand *HandState, deck *cards.Deck, n int) {
	for i := 0; i < n; i++ {
		c, ok := deck.Draw()
		if !ok {
			break
		}
		hand.CommunityCards = append(hand.CommunityCards, c)
	}
}

// showdown evaluates every non-folded seat's best 5-of-7 hand and resolves
// each pot's winners independently, so a short-stacked all-in can win the
// main pot while losing a side pot it is ineligible for.
func showdown(state *TableState, now time.Time) (*TableState, error) {
	hand := state.Hand
	values := make(map[int]cards.HandValue, len(state.Seats))
	for _, seatID := range state.nonFoldedSeats() {
		seat := state.SeatByID(seatID)
		hv, err := cards.Evaluate(seat.HoleCards, hand.CommunityCards)
		if err != nil {
			return nil, NewError(ErrInternal, err.Error())
		}
		values[seatID] = hv
	}

	winnerSet := map[int]bool{}
	for i := range hand.Pots {
		winners := resolvePotWinners(hand.Pots[i], values)
		hand.Pots[i].Winners = winners
		for _, w := range winners {
			winnerSet[w] = true
		}
	}
	winners := make([]int, 0, len(winnerSet))
	for w := range winnerSet {
		winners = append(winners, w)
	}
	sort.Ints(winners)

	hand.Winners = winners
	hand.Street = StreetShowdown
	hand.RakeAmount = calcRake(totalPotAmount(hand.Pots))
	t := now
	hand.EndedAt = &t
	return state, nil
}

// SettleHandPayouts computes the final per-seat credit for a completed hand:
// rake is deducted once, starting with the main pot (hand.Pots[0], the
// lowest contribution tier) and spilling into the following pots only if the
// main pot is smaller than the rake, then each pot's remainder is split
// across its own winners via calculatePotPayouts. Seats winning more than
// one pot have their payouts summed. Called by the orchestrator's hand-ended
// pipeline before SettlePot; the result is both sent to the ledger and
// credited to seat stacks whatever SettlePot returns.
func SettleHandPayouts(hand *HandState, buttonSeat, seatCount int) map[int]int64 {
	payouts := map[int]int64{}
	rakeRemaining := hand.RakeAmount
	for _, pot := range hand.Pots {
		amount := pot.Amount
		if rakeRemaining > 0 {
			deduct := rakeRemaining
			if deduct > amount {
				deduct = amount
			}
			amount -= deduct
			rakeRemaining -= deduct
		}
		if amount <= 0 || len(pot.Winners) == 0 {
			continue
		}
		for seatID, amt := range calculatePotPayouts(amount, pot.Winners, buttonSeat, seatCount) {
			payouts[seatID] += amt
		}
	}
	return payouts
}
