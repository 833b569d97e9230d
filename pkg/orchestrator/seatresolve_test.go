package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ontable/holdem/pkg/cards"
	"github.com/ontable/holdem/pkg/engine"
)

func dupState(statuses map[int]engine.SeatStatus) *engine.TableState {
	st := engine.NewTableState("t", 6)
	u := "dup"
	for seatID, status := range statuses {
		st.Seats[seatID].UserID = &u
		st.Seats[seatID].Status = status
	}
	return st
}

func TestResolveSeatSingleMatch(t *testing.T) {
	st := dupState(map[int]engine.SeatStatus{3: engine.SeatSeated})
	id, ok := resolveSeat(st, "dup", resolveForAction)
	require.True(t, ok)
	require.Equal(t, 3, id)
}

func TestResolveSeatNoMatch(t *testing.T) {
	st := dupState(nil)
	_, ok := resolveSeat(st, "dup", resolveForAction)
	require.False(t, ok)
}

func TestResolveSeatPrefersTurnSeat(t *testing.T) {
	st := dupState(map[int]engine.SeatStatus{1: engine.SeatActive, 4: engine.SeatActive})
	st.Hand = &engine.HandState{HandID: "h", Turn: 4}
	id, ok := resolveSeat(st, "dup", resolveForAction)
	require.True(t, ok)
	require.Equal(t, 4, id)
}

func TestResolveSeatPrefersSeatWithHoleCards(t *testing.T) {
	st := dupState(map[int]engine.SeatStatus{1: engine.SeatSeated, 4: engine.SeatSeated})
	st.Hand = &engine.HandState{HandID: "h", Turn: 0}
	st.Seats[4].HoleCards = []cards.Card{
		{Suit: cards.Spades, Rank: cards.Ace},
		{Suit: cards.Hearts, Rank: cards.King},
	}
	id, ok := resolveSeat(st, "dup", resolveForAction)
	require.True(t, ok)
	require.Equal(t, 4, id)
}

func TestResolveSeatPrefersParticipatingStatus(t *testing.T) {
	st := dupState(map[int]engine.SeatStatus{1: engine.SeatSeated, 4: engine.SeatFolded})
	st.Hand = &engine.HandState{HandID: "h", Turn: 0}
	id, ok := resolveSeat(st, "dup", resolveForAction)
	require.True(t, ok)
	require.Equal(t, 4, id)
}

func TestResolveSeatFallsBackToFirstMatch(t *testing.T) {
	st := dupState(map[int]engine.SeatStatus{2: engine.SeatSeated, 5: engine.SeatSeated})
	// No hand at all: strategies (a)-(c) cannot apply.
	id, ok := resolveSeat(st, "dup", resolveForLeave)
	require.True(t, ok)
	require.Equal(t, 2, id)
}
