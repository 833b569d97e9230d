package orchestrator

import "github.com/ontable/holdem/pkg/engine"

// resolveKind names the kind of lookup calling resolveSeat. resolveSeat does
// not read it: every kind applies the same strategy order, and a FOLDED seat
// qualifies under strategy (c) for each.
type resolveKind int

const (
	resolveForAction resolveKind = iota
	resolveForLeave
)

// resolveSeat finds userID's seat by applying, in order: (a) the seat at
// hand.turn; (b) the seat with exactly two hole cards; (c) the seat with
// status ACTIVE/ALL_IN/FOLDED; (d) the first matching seat. Duplicate
// seats for one user can appear transiently around reconnects. Used by the
// submitAction, leaveSeat, MarkDisconnected and MarkReconnected lookups;
// joinSeat always uses the exact requested seatId.
func resolveSeat(state *engine.TableState, userID string, kind resolveKind) (int, bool) {
	var matches []int
	for _, seat := range state.Seats {
		if seat.UserID != nil && *seat.UserID == userID {
			matches = append(matches, seat.SeatID)
		}
	}
	if len(matches) == 0 {
		return 0, false
	}
	if len(matches) == 1 {
		return matches[0], true
	}

	if state.Hand != nil {
		for _, id := range matches {
			if id == state.Hand.Turn {
				return id, true
			}
		}
		for _, id := range matches {
			if seat := state.SeatByID(id); seat != nil && len(seat.HoleCards) == 2 {
				return id, true
			}
		}
		for _, id := range matches {
			seat := state.SeatByID(id)
			if seat != nil && (seat.Status == engine.SeatActive || seat.Status == engine.SeatAllIn || seat.Status == engine.SeatFolded) {
				return id, true
			}
		}
	}
	return matches[0], true
}
