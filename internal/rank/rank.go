// Package rank orders players for the leaderboard and resolves final winners.
// The ordering is deterministic: alive first, then latest elimination, then
// kills, then lowest player number.
package rank

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainassassin/server/internal/model"
)

// Order returns a stable leaderboard ordering of the given players. The
// input slice is not modified.
func Order(players []model.Player) []model.Player {
	out := make([]model.Player, len(players))
	copy(out, players)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsAlive != b.IsAlive {
			return a.IsAlive
		}
		if !a.IsAlive {
			// Later elimination ranks higher.
			at, bt := a.EliminatedAt, b.EliminatedAt
			if at != nil && bt != nil && !at.Equal(*bt) {
				return at.After(*bt)
			}
			if (at != nil) != (bt != nil) {
				return at != nil
			}
		}
		if a.Kills != b.Kills {
			return a.Kills > b.Kills
		}
		return a.PlayerNumber < b.PlayerNumber
	})
	return out
}

// Winners is the final podium reported to the settlement contract.
// Unfunded slots hold the zero address and player number 0.
type Winners struct {
	First     common.Address
	Second    common.Address
	Third     common.Address
	TopKiller common.Address

	FirstNumber     int
	SecondNumber    int
	ThirdNumber     int
	TopKillerNumber int
}

// Resolve reads the players once and fills every funded slot.
func Resolve(players []model.Player, split model.PrizeSplit) Winners {
	ordered := Order(players)
	var w Winners
	if len(ordered) == 0 {
		return w
	}

	w.First = ordered[0].Address
	w.FirstNumber = ordered[0].PlayerNumber
	if split.Second > 0 && len(ordered) > 1 {
		w.Second = ordered[1].Address
		w.SecondNumber = ordered[1].PlayerNumber
	}
	if split.Third > 0 && len(ordered) > 2 {
		w.Third = ordered[2].Address
		w.ThirdNumber = ordered[2].PlayerNumber
	}

	if split.Kills > 0 {
		// First player in leaderboard order with the maximum kill count.
		best := 0
		for _, p := range ordered {
			if p.Kills > best {
				best = p.Kills
				w.TopKiller = p.Address
				w.TopKillerNumber = p.PlayerNumber
			}
		}
	}
	return w
}
