package cards

import (
	"fmt"
	"sort"

	chehsunliu "github.com/chehsunliu/poker"
)

// Category is a poker hand category, 0 (high card) through 8 (straight
// flush).
type Category int

const (
	HighCard Category = iota
	Pair
	TwoPair
	ThreeOfAKind
	Straight
	Flush
	FullHouse
	FourOfAKind
	StraightFlush
)

// HandValue is the result of evaluating the best 5-card hand out of a
// player's hole cards plus the board.
type HandValue struct {
	Category    Category
	RankValue   int32 // chehsunliu's internal rank; lower is better
	Description string
	Best        []Card // the specific 5 cards making up the hand
}

func toChehsunliu(c Card) (chehsunliu.Card, error) {
	rc, sc := c.rankChar(), c.suitChar()
	if sc == 0 {
		return chehsunliu.Card(0), fmt.Errorf("cards: invalid card %v", c)
	}
	return chehsunliu.NewCard(string([]byte{rc, sc})), nil
}

func categoryFromRankClass(rankClass int32) Category {
	switch rankClass {
	case 1:
		return StraightFlush
	case 2:
		return FourOfAKind
	case 3:
		return FullHouse
	case 4:
		return Flush
	case 5:
		return Straight
	case 6:
		return ThreeOfAKind
	case 7:
		return TwoPair
	case 8:
		return Pair
	default:
		return HighCard
	}
}

// Evaluate returns the best possible 5-card HandValue from the union of hole
// and community cards (2..7 cards total).
func Evaluate(hole, community []Card) (HandValue, error) {
	all := make([]Card, 0, len(hole)+len(community))
	all = append(all, hole...)
	all = append(all, community...)

	ccards := make([]chehsunliu.Card, 0, len(all))
	for _, c := range all {
		cc, err := toChehsunliu(c)
		if err != nil {
			return HandValue{}, err
		}
		ccards = append(ccards, cc)
	}

	rank := chehsunliu.Evaluate(ccards)
	rankClass := chehsunliu.RankClass(rank)

	best, err := bestFive(all, rank)
	if err != nil {
		return HandValue{}, err
	}

	return HandValue{
		Category:    categoryFromRankClass(rankClass),
		RankValue:   rank,
		Description: chehsunliu.RankString(rank),
		Best:        best,
	}, nil
}

func bestFive(all []Card, targetRank int32) ([]Card, error) {
	if len(all) <= 5 {
		out := make([]Card, len(all))
		copy(out, all)
		return out, nil
	}
	var found []Card
	err := forEachCombination(all, 5, func(combo []Card) bool {
		cc := make([]chehsunliu.Card, 0, 5)
		for _, c := range combo {
			conv, err := toChehsunliu(c)
			if err != nil {
				return false
			}
			cc = append(cc, conv)
		}
		if chehsunliu.Evaluate(cc) == targetRank {
			found = append([]Card{}, combo...)
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		// Unreachable in practice: Evaluate always matches some 5-subset.
		sorted := append([]Card{}, all...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank > sorted[j].Rank })
		return sorted[:5], nil
	}
	return found, nil
}

func forEachCombination(cards []Card, k int, visit func([]Card) bool) error {
	n := len(cards)
	if k > n || k <= 0 {
		return nil
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		combo := make([]Card, k)
		for i, ix := range idx {
			combo[i] = cards[ix]
		}
		if visit(combo) {
			return nil
		}
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return nil
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// Compare returns 1 if a beats b, -1 if b beats a, 0 on a tie. Note
// chehsunliu's RankValue is lower-is-better; this inverts that so callers
// can reason in "higher is better" terms.
func Compare(a, b HandValue) int {
	switch {
	case a.RankValue < b.RankValue:
		return 1
	case a.RankValue > b.RankValue:
		return -1
	default:
		return 0
	}
}
