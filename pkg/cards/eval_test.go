package cards

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateWheelStraight(t *testing.T) {
	hole := []Card{{Suit: Spades, Rank: Ace}, {Suit: Diamonds, Rank: Two}}
	board := []Card{
		{Suit: Clubs, Rank: Three},
		{Suit: Spades, Rank: Four},
		{Suit: Hearts, Rank: Five},
		{Suit: Hearts, Rank: King},
		{Suit: Clubs, Rank: Queen},
	}
	hv, err := Evaluate(hole, board)
	require.NoError(t, err)
	require.Equal(t, Straight, hv.Category)
}

func TestCompareHands(t *testing.T) {
	quad, err := Evaluate(
		[]Card{{Suit: Spades, Rank: Ace}, {Suit: Diamonds, Rank: Ace}},
		[]Card{{Suit: Clubs, Rank: Ace}, {Suit: Hearts, Rank: Ace}, {Suit: Hearts, Rank: King}, {Suit: Clubs, Rank: Two}, {Suit: Spades, Rank: Three}},
	)
	require.NoError(t, err)

	pair, err := Evaluate(
		[]Card{{Suit: Spades, Rank: Two}, {Suit: Diamonds, Rank: Two}},
		[]Card{{Suit: Clubs, Rank: Seven}, {Suit: Hearts, Rank: Nine}, {Suit: Hearts, Rank: King}, {Suit: Clubs, Rank: Jack}, {Suit: Spades, Rank: Three}},
	)
	require.NoError(t, err)

	require.Equal(t, 1, Compare(quad, pair))
	require.Equal(t, -1, Compare(pair, quad))
	require.Equal(t, 0, Compare(quad, quad))
}

func TestShuffleIsDeterministicPerSeed(t *testing.T) {
	d1 := Shuffle(42)
	d2 := Shuffle(42)
	require.Equal(t, d1.Remaining(), d2.Remaining())

	d3 := Shuffle(43)
	require.NotEqual(t, d1.Remaining(), d3.Remaining())
}
