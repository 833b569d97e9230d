package engine

import (
	"sort"

	"github.com/ontable/holdem/pkg/cards"
)

// computePots rebuilds hand.Pots from totalContributions and the current
// folded set. Distinct positive contribution levels are sorted ascending;
// each rising level contributes level-delta x (seats still in at that
// level) to a pot, with eligibility excluding folded seats. A new side pot
// forms at every all-in ceiling: contributions 50/100/100 with no folds
// yield a 150 main pot for all three seats and a 100 side pot for the two
// deep seats.
func computePots(hand *HandState, seats []Seat) []Pot {
	type entry struct {
		seatID int
		amount int64
	}
	var entries []entry
	levelSet := map[int64]bool{}
	for seatID, amt := range hand.TotalContributions {
		if amt > 0 {
			entries = append(entries, entry{seatID: seatID, amount: amt})
			levelSet[amt] = true
		}
	}
	if len(entries) == 0 {
		return nil
	}
	levels := make([]int64, 0, len(levelSet))
	for l := range levelSet {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	var pots []Pot
	var prev int64
	for _, level := range levels {
		delta := level - prev
		if delta <= 0 {
			continue
		}
		var amount int64
		eligible := map[int]bool{}
		for _, e := range entries {
			if e.amount > prev {
				contrib := delta
				if e.amount-prev < delta {
					contrib = e.amount - prev
				}
				amount += contrib
			}
			if e.amount >= level {
				if seat := seatByID(seats, e.seatID); seat != nil && seat.Status != SeatFolded {
					eligible[e.seatID] = true
				}
			}
		}
		if amount > 0 {
			pots = append(pots, Pot{Amount: amount, EligibleSeats: eligible})
		}
		prev = level
	}
	return pots
}

func seatByID(seats []Seat, id int) *Seat {
	for i := range seats {
		if seats[i].SeatID == id {
			return &seats[i]
		}
	}
	return nil
}

// totalPotAmount sums every pot's amount.
func totalPotAmount(pots []Pot) int64 {
	var total int64
	for _, p := range pots {
		total += p.Amount
	}
	return total
}

// calcRake computes the per-hand rake: 5% of the total awarded amount,
// capped at 5 chips, waived entirely for pots of 20 chips or less. Rake is
// taken once per hand, not per pot.
func calcRake(total int64) int64 {
	if total <= 20 {
		return 0
	}
	rake := total * 5 / 100
	if rake > 5 {
		rake = 5
	}
	return rake
}

// circularDistance returns how many seats clockwise from (button+1) the
// given seat is, wrapping modulo seatCount. Seat button+1 has distance 0 and
// is therefore "closest to the left of the button".
func circularDistance(seat, button, seatCount int) int {
	d := seat - (button + 1)
	if d < 0 {
		d += seatCount
	}
	return d
}

// calculatePotPayouts splits amount evenly across winners, giving any
// remainder chips one at a time starting with the winner closest to the
// left of the button: amount 5 split between seats 2 and 7 with the button
// on 5 of 9 pays seat 7 three chips and seat 2 two.
func calculatePotPayouts(amount int64, winners []int, buttonSeat, seatCount int) map[int]int64 {
	if len(winners) == 0 {
		return nil
	}
	order := append([]int{}, winners...)
	sort.Slice(order, func(i, j int) bool {
		return circularDistance(order[i], buttonSeat, seatCount) < circularDistance(order[j], buttonSeat, seatCount)
	})

	n := int64(len(order))
	base := amount / n
	remainder := amount % n

	payouts := make(map[int]int64, len(order))
	for _, w := range order {
		payouts[w] = base
	}
	for i := int64(0); i < remainder; i++ {
		payouts[order[i]] += 1
	}
	return payouts
}

// resolvePotWinners picks the winning seat ids for one pot at showdown:
// the eligible, non-folded seats whose best hand compares equal-highest.
func resolvePotWinners(pot Pot, hands map[int]cards.HandValue) []int {
	var best *cards.HandValue
	var winners []int
	for seatID := range pot.EligibleSeats {
		hv, ok := hands[seatID]
		if !ok {
			continue
		}
		switch {
		case best == nil || cards.Compare(hv, *best) > 0:
			best = &hv
			winners = []int{seatID}
		case cards.Compare(hv, *best) == 0:
			winners = append(winners, seatID)
		}
	}
	sort.Ints(winners)
	return winners
}

// ComputePots is the exported entry point to computePots, used by the
// orchestrator when a mid-hand seat departure (leaveSeat) folds a seat
// outside the normal applyAction pipeline and must recompute pot
// eligibility the same way applyAction's step 6 does.
func ComputePots(hand *HandState, seats []Seat) []Pot {
	return computePots(hand, seats)
}
