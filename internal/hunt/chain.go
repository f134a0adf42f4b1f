// Package hunt maintains the circular hunter→target assignment of one game.
// The chain is kept as two mirrored maps (forward and reverse) so kill
// rewiring and reverse lookup are both O(1); every mutation is persisted
// through the Store before the in-memory maps change.
package hunt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTooFewPlayers   = errors.New("hunt: need at least two alive players")
	ErrTargetMismatch  = errors.New("hunt: target is not the hunter's assignment")
	ErrNotInChain      = errors.New("hunt: address has no assignment row")
)

// Pair is one hunter→target edge.
type Pair struct {
	Hunter common.Address
	Target common.Address
}

// Store persists assignment rows. Both methods must be atomic.
type Store interface {
	// ReplaceAssignments drops all rows for the game and inserts the given set.
	ReplaceAssignments(ctx context.Context, gameID uint64, pairs []Pair) error
	// RewireAssignments deletes rows by hunter and upserts the given set in
	// one transaction.
	RewireAssignments(ctx context.Context, gameID uint64, deleteHunters []common.Address, set []Pair) error
}

// Chain is the per-game live assignment map. Not goroutine-safe: the
// coordinator's per-game owner is the only caller.
type Chain struct {
	gameID   uint64
	store    Store
	targetOf map[common.Address]common.Address
	hunterOf map[common.Address]common.Address

	// randIndex returns a uniform int in [0, n). Overridable in tests.
	randIndex func(n int) (int, error)
}

func NewChain(gameID uint64, store Store) *Chain {
	return &Chain{
		gameID:    gameID,
		store:     store,
		targetOf:  make(map[common.Address]common.Address),
		hunterOf:  make(map[common.Address]common.Address),
		randIndex: cryptoIndex,
	}
}

func cryptoIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Initialize shuffles the alive addresses and assigns each one the next as
// target, closing the cycle. Persists all rows atomically and returns the
// resulting map.
func (c *Chain) Initialize(ctx context.Context, addrs []common.Address) (map[common.Address]common.Address, error) {
	if len(addrs) < 2 {
		return nil, ErrTooFewPlayers
	}

	order := make([]common.Address, len(addrs))
	copy(order, addrs)
	// Fisher–Yates with unbiased index sampling.
	for i := len(order) - 1; i > 0; i-- {
		j, err := c.randIndex(i + 1)
		if err != nil {
			return nil, fmt.Errorf("shuffle: %w", err)
		}
		order[i], order[j] = order[j], order[i]
	}

	pairs := make([]Pair, len(order))
	for i, hunter := range order {
		pairs[i] = Pair{Hunter: hunter, Target: order[(i+1)%len(order)]}
	}
	if err := c.store.ReplaceAssignments(ctx, c.gameID, pairs); err != nil {
		return nil, err
	}

	c.targetOf = make(map[common.Address]common.Address, len(pairs))
	c.hunterOf = make(map[common.Address]common.Address, len(pairs))
	for _, p := range pairs {
		c.targetOf[p.Hunter] = p.Target
		c.hunterOf[p.Target] = p.Hunter
	}
	return c.Map(), nil
}

// Load seeds the maps from persisted rows during crash recovery.
func (c *Chain) Load(pairs []Pair) {
	c.targetOf = make(map[common.Address]common.Address, len(pairs))
	c.hunterOf = make(map[common.Address]common.Address, len(pairs))
	for _, p := range pairs {
		c.targetOf[p.Hunter] = p.Target
		c.hunterOf[p.Target] = p.Hunter
	}
}

// ProcessKill removes the killed target and rewires the hunter to the
// target's old assignment. collapsed is true when only the hunter remains
// (both rows deleted, chain empty).
func (c *Chain) ProcessKill(ctx context.Context, hunter, target common.Address) (next common.Address, collapsed bool, err error) {
	assigned, ok := c.targetOf[hunter]
	if !ok {
		return common.Address{}, false, ErrNotInChain
	}
	if assigned != target {
		return common.Address{}, false, ErrTargetMismatch
	}
	inherited, ok := c.targetOf[target]
	if !ok {
		return common.Address{}, false, ErrNotInChain
	}

	if inherited == hunter {
		// Two players left: the cycle collapses.
		if err := c.store.RewireAssignments(ctx, c.gameID, []common.Address{hunter, target}, nil); err != nil {
			return common.Address{}, false, err
		}
		delete(c.targetOf, hunter)
		delete(c.targetOf, target)
		delete(c.hunterOf, hunter)
		delete(c.hunterOf, target)
		return common.Address{}, true, nil
	}

	if err := c.store.RewireAssignments(ctx, c.gameID,
		[]common.Address{target},
		[]Pair{{Hunter: hunter, Target: inherited}},
	); err != nil {
		return common.Address{}, false, err
	}
	delete(c.targetOf, target)
	delete(c.hunterOf, target)
	c.targetOf[hunter] = inherited
	c.hunterOf[inherited] = hunter
	return inherited, false, nil
}

// Remove drops a player eliminated by a non-kill path (zone, heartbeat,
// check-in) and rewires their hunter to their ex-target. reassigned is false
// when the chain collapsed and nobody needs a new target.
func (c *Chain) Remove(ctx context.Context, eliminated common.Address) (hunter, newTarget common.Address, reassigned bool, err error) {
	h, ok := c.hunterOf[eliminated]
	if !ok {
		return common.Address{}, common.Address{}, false, ErrNotInChain
	}
	exTarget, ok := c.targetOf[eliminated]
	if !ok {
		return common.Address{}, common.Address{}, false, ErrNotInChain
	}

	if exTarget == h {
		if err := c.store.RewireAssignments(ctx, c.gameID, []common.Address{h, eliminated}, nil); err != nil {
			return common.Address{}, common.Address{}, false, err
		}
		delete(c.targetOf, h)
		delete(c.targetOf, eliminated)
		delete(c.hunterOf, h)
		delete(c.hunterOf, eliminated)
		return common.Address{}, common.Address{}, false, nil
	}

	if err := c.store.RewireAssignments(ctx, c.gameID,
		[]common.Address{eliminated},
		[]Pair{{Hunter: h, Target: exTarget}},
	); err != nil {
		return common.Address{}, common.Address{}, false, err
	}
	delete(c.targetOf, eliminated)
	delete(c.hunterOf, eliminated)
	c.targetOf[h] = exTarget
	c.hunterOf[exTarget] = h
	return h, exTarget, true, nil
}

// Target returns the current assignment of a hunter.
func (c *Chain) Target(hunter common.Address) (common.Address, bool) {
	t, ok := c.targetOf[hunter]
	return t, ok
}

// Hunter returns who is hunting the given player.
func (c *Chain) Hunter(target common.Address) (common.Address, bool) {
	h, ok := c.hunterOf[target]
	return h, ok
}

// Size returns the number of live assignment rows.
func (c *Chain) Size() int {
	return len(c.targetOf)
}

// Map returns a copy of the forward map for fan-out and recovery.
func (c *Chain) Map() map[common.Address]common.Address {
	out := make(map[common.Address]common.Address, len(c.targetOf))
	for h, t := range c.targetOf {
		out[h] = t
	}
	return out
}
