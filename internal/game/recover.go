package game

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/hunt"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/zone"
)

// Recover rebuilds the in-memory runtime of every unfinished game after a
// restart: registration timers, check-in loops, the remaining pregame
// countdown, or the live tick with chain and zone state reloaded.
func (m *Manager) Recover(ctx context.Context) error {
	// Outbox rows orphaned by the crash can never confirm through this
	// process; mark them failed so the ledger is honest.
	stale, err := m.store.StalePendingTxs(ctx, m.now())
	if err != nil {
		return err
	}
	for _, tx := range stale {
		if err := m.store.ResolveOperatorTx(ctx, tx.ID, model.TxFailed, "", m.now()); err != nil {
			return err
		}
		m.log.Warn("orphaned operator tx marked failed",
			zap.Int64("tx", tx.ID), zap.Uint64("game", tx.GameID), zap.String("action", tx.Action))
	}

	registering, err := m.store.GamesInPhase(ctx, model.PhaseRegistration)
	if err != nil {
		return err
	}
	for _, g := range registering {
		m.scheduleRegistrationChecks(g)
	}

	active, err := m.store.GamesInPhase(ctx, model.PhaseActive)
	if err != nil {
		return err
	}
	for _, g := range active {
		if err := m.recoverActive(ctx, g); err != nil {
			m.log.Error("game recovery failed", zap.Uint64("game", g.ID), zap.Error(err))
		}
	}
	m.log.Info("recovery complete",
		zap.Int("registering", len(registering)), zap.Int("active", len(active)))
	return nil
}

func (m *Manager) recoverActive(ctx context.Context, g *model.Game) error {
	rt := m.ensureRuntime(g.ID)
	switch g.SubPhase {
	case model.SubPhaseCheckin:
		m.startCheckinLoops(rt)

	case model.SubPhasePregame:
		started := m.now()
		if g.SubPhaseStartedAt != nil {
			started = *g.SubPhaseStartedAt
		}
		remaining := started.Add(m.cfg.PregameDuration).Sub(m.now())
		id := g.ID
		rt.mu.Lock()
		rt.checkinDone = true
		rt.scheduleLocked("pregame", remaining, func() {
			if err := m.startGamePhase(context.Background(), id); err != nil {
				m.log.Error("game phase start failed", zap.Uint64("game", id), zap.Error(err))
			}
		})
		rt.mu.Unlock()
		m.log.Info("pregame countdown restored",
			zap.Uint64("game", g.ID), zap.Duration("remaining", remaining))

	case model.SubPhaseGame:
		return m.recoverLiveGame(ctx, g, rt)
	}
	return nil
}

// recoverLiveGame reloads the target chain and zone tracker, then reseeds
// every alive player's grace countdown from their persisted ping at its
// original timestamp so a crash cannot reset anyone's clock.
func (m *Manager) recoverLiveGame(ctx context.Context, g *model.Game, rt *gameRuntime) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.checkinDone = true

	pairs, err := m.store.Assignments(ctx, g.ID)
	if err != nil {
		return err
	}
	chain := hunt.NewChain(g.ID, m.store)
	chain.Load(pairs)
	rt.chain = chain

	shrinks, err := m.store.Shrinks(ctx, g.ID)
	if err != nil {
		return err
	}
	started := m.now()
	if g.SubPhaseStartedAt != nil {
		started = *g.SubPhaseStartedAt
	}
	rt.tracker = zone.NewTracker(
		geo.FromFixed(g.CenterLat), geo.FromFixed(g.CenterLng), shrinks, started, m.cfg.ZoneGrace)
	rt.tracker.Tick(m.now())

	alive, err := m.store.AlivePlayers(ctx, g.ID)
	if err != nil {
		return err
	}
	aliveSet := make(map[common.Address]bool, len(alive))
	for _, p := range alive {
		aliveSet[p.Address] = true
	}
	pings, err := m.store.LatestPings(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, ping := range pings {
		if aliveSet[ping.Address] {
			rt.tracker.ProcessLocation(ping.Address, ping.Lat, ping.Lng, ping.PingedAt)
		}
	}

	id := g.ID
	m.loop(rt, time.Second, func() bool {
		return m.tickGame(context.Background(), id)
	})
	m.log.Info("live game restored",
		zap.Uint64("game", g.ID), zap.Int("alive", len(alive)), zap.Int("chain", chain.Size()))
	return nil
}
