package game

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/hunt"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/rank"
	"github.com/chainassassin/server/internal/ws"
	"github.com/chainassassin/server/internal/zone"
)

const (
	spectatorEveryTicks = 2
	pruneEveryTicks     = 60
)

// tickGame is the 1 Hz heartbeat of a live game: zone shrinks, zone and
// heartbeat eliminations, the end check, spectator frames and ping pruning.
// Returns true when the loop should stop.
func (m *Manager) tickGame(ctx context.Context, gameID uint64) bool {
	rt := m.runtime(gameID)
	if rt == nil {
		return true
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed || rt.tracker == nil {
		return true
	}

	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		m.log.Error("tick read failed", zap.Uint64("game", gameID), zap.Error(err))
		return false
	}
	if g == nil || g.Phase != model.PhaseActive || g.SubPhase != model.SubPhaseGame {
		return true
	}

	now := m.now()
	rt.tickCount++

	if st := rt.tracker.Tick(now); st != nil {
		m.bc.Broadcast(gameID, ws.NewZoneShrink(*st))
		m.log.Info("zone shrunk",
			zap.Uint64("game", gameID), zap.Float64("radius_m", st.CurrentRadiusMeters))
	}

	if err := m.eliminateZoneExpired(ctx, rt, g, now); err != nil {
		m.log.Error("zone elimination failed", zap.Uint64("game", gameID), zap.Error(err))
	}
	if rt.closed {
		return true
	}

	if err := m.eliminateHeartbeatTimeouts(ctx, rt, g); err != nil {
		m.log.Error("heartbeat elimination failed", zap.Uint64("game", gameID), zap.Error(err))
	}
	if rt.closed {
		return true
	}

	if err := m.checkEndLocked(ctx, rt, g); err != nil {
		m.log.Error("end check failed", zap.Uint64("game", gameID), zap.Error(err))
	}
	if rt.closed {
		return true
	}

	if rt.tickCount%spectatorEveryTicks == 0 {
		if err := m.sendSpectatorPositionsLocked(ctx, rt, g); err != nil {
			m.log.Error("spectator frame failed", zap.Uint64("game", gameID), zap.Error(err))
		}
	}
	if rt.tickCount%pruneEveryTicks == 0 {
		if err := m.store.PrunePings(ctx, gameID, now.Add(-m.cfg.PingRetention)); err != nil {
			m.log.Error("ping prune failed", zap.Uint64("game", gameID), zap.Error(err))
		}
	}
	return false
}

// eliminateZoneExpired removes every player whose out-of-zone grace has run
// out. Same-tick expiries are processed in player-number order so the
// outcome is deterministic. rt.mu must be held.
func (m *Manager) eliminateZoneExpired(ctx context.Context, rt *gameRuntime, g *model.Game, now time.Time) error {
	expired := rt.tracker.ExpiredPlayers(now)
	if len(expired) == 0 {
		return nil
	}
	var victims []model.Player
	for _, addr := range expired {
		p, err := m.store.Player(ctx, g.ID, addr)
		if err != nil {
			return err
		}
		if p != nil && p.IsAlive {
			victims = append(victims, *p)
		} else {
			rt.tracker.ClearPlayer(addr)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].PlayerNumber < victims[j].PlayerNumber
	})
	for i := range victims {
		if rt.closed {
			return nil
		}
		if err := m.eliminateLocked(ctx, rt, g, &victims[i], model.ReasonZoneViolation); err != nil {
			return err
		}
	}
	return nil
}

// eliminateHeartbeatTimeouts removes players whose liveness window lapsed.
// Timeouts stop being enforced at or below the disable threshold. rt.mu must
// be held.
func (m *Manager) eliminateHeartbeatTimeouts(ctx context.Context, rt *gameRuntime, g *model.Game) error {
	alive, err := m.store.AlivePlayers(ctx, g.ID)
	if err != nil {
		return err
	}
	if len(alive) <= m.cfg.HeartbeatDisableThreshold {
		return nil
	}
	now := m.now()
	var victims []model.Player
	for _, p := range alive {
		if p.LastHeartbeatAt != nil && p.LastHeartbeatAt.Add(m.cfg.HeartbeatInterval).Before(now) {
			victims = append(victims, p)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].PlayerNumber < victims[j].PlayerNumber
	})
	for i := range victims {
		if rt.closed {
			return nil
		}
		if err := m.eliminateLocked(ctx, rt, g, &victims[i], model.ReasonHeartbeatTimeout); err != nil {
			return err
		}
	}
	return nil
}

// eliminateLocked is the shared non-kill elimination flow: store mutation,
// chain rewire, zone clear, operator submission, broadcasts, end check — in
// that order, so every socket observes a consistent sequence. rt.mu must be
// held.
func (m *Manager) eliminateLocked(ctx context.Context, rt *gameRuntime, g *model.Game, victim *model.Player, reason string) error {
	now := m.now()
	if err := m.store.MarkEliminated(ctx, g.ID, victim.Address, reason, now); err != nil {
		return err
	}

	var (
		hunterAddr common.Address
		newTarget  common.Address
		reassigned bool
	)
	if rt.chain != nil {
		var err error
		hunterAddr, newTarget, reassigned, err = rt.chain.Remove(ctx, victim.Address)
		if err != nil && !errors.Is(err, hunt.ErrNotInChain) {
			return err
		}
		if errors.Is(err, hunt.ErrNotInChain) {
			m.log.Error("eliminated player had no chain row",
				zap.Uint64("game", g.ID), zap.Int("player", victim.PlayerNumber))
		}
	}
	if rt.tracker != nil {
		rt.tracker.ClearPlayer(victim.Address)
	}

	if !g.Simulated {
		id, num := g.ID, victim.PlayerNumber
		why := reason
		m.submitOperator(id, "eliminatePlayer", func(c context.Context) (string, error) {
			return m.op.EliminatePlayer(c, id, num, why)
		}, nil)
	}

	m.bc.Broadcast(g.ID, ws.NewPlayerEliminated(victim.PlayerNumber, 0, reason))
	if reassigned {
		m.notifyRewireLocked(ctx, rt, g.ID, hunterAddr, newTarget)
	}
	if err := m.broadcastLeaderboard(ctx, g.ID); err != nil {
		return err
	}
	m.log.Info("player eliminated",
		zap.Uint64("game", g.ID), zap.Int("player", victim.PlayerNumber), zap.String("reason", reason))
	return m.checkEndLocked(ctx, rt, g)
}

// notifyRewireLocked tells the rewired hunter their new target and the new
// target who hunts them now. rt.mu must be held.
func (m *Manager) notifyRewireLocked(ctx context.Context, rt *gameRuntime, gameID uint64, hunter, newTarget common.Address) {
	numbers, err := m.playerNumbers(ctx, gameID)
	if err != nil {
		m.log.Error("rewire notification failed", zap.Uint64("game", gameID), zap.Error(err))
		return
	}
	hunterOfHunter := 0
	if rt.chain != nil {
		if h, ok := rt.chain.Hunter(hunter); ok {
			hunterOfHunter = numbers[h]
		}
	}
	m.bc.SendToPlayer(gameID, hunter, ws.NewTargetAssigned(numbers[newTarget], hunterOfHunter))
	m.bc.SendToPlayer(gameID, newTarget, ws.NewHunterUpdated(numbers[hunter]))
}

func (m *Manager) broadcastLeaderboard(ctx context.Context, gameID uint64) error {
	players, err := m.store.Players(ctx, gameID)
	if err != nil {
		return err
	}
	m.bc.Broadcast(gameID, ws.NewLeaderboardUpdate(leaderboardEntries(players)))
	return nil
}

func leaderboardEntries(players []model.Player) []ws.LeaderboardEntry {
	ordered := rank.Order(players)
	out := make([]ws.LeaderboardEntry, len(ordered))
	for i, p := range ordered {
		out[i] = ws.LeaderboardEntry{
			PlayerNumber: p.PlayerNumber,
			Kills:        p.Kills,
			IsAlive:      p.IsAlive,
			EliminatedAt: p.EliminatedAt,
		}
	}
	return out
}

// checkEndLocked ends the game once at most one player is left. rt.mu must
// be held.
func (m *Manager) checkEndLocked(ctx context.Context, rt *gameRuntime, g *model.Game) error {
	alive, err := m.store.AlivePlayers(ctx, g.ID)
	if err != nil {
		return err
	}
	if len(alive) > 1 {
		return nil
	}
	return m.endGameLocked(ctx, rt, g)
}

// sendSpectatorPositions is the pre-game positions feed. Returns true once
// the game tick has taken over (or the game is gone).
func (m *Manager) sendSpectatorPositions(ctx context.Context, gameID uint64) bool {
	rt := m.runtime(gameID)
	if rt == nil {
		return true
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return true
	}
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		m.log.Error("spectator frame read failed", zap.Uint64("game", gameID), zap.Error(err))
		return false
	}
	if g == nil || g.Phase != model.PhaseActive {
		return true
	}
	if g.SubPhase == model.SubPhaseGame {
		return true // the 1 Hz tick emits these now
	}
	if err := m.sendSpectatorPositionsLocked(ctx, rt, g); err != nil {
		m.log.Error("spectator frame failed", zap.Uint64("game", gameID), zap.Error(err))
	}
	return false
}

// sendSpectatorPositionsLocked emits one spectator:positions frame. rt.mu
// must be held.
func (m *Manager) sendSpectatorPositionsLocked(ctx context.Context, rt *gameRuntime, g *model.Game) error {
	positions, alive, err := m.alivePositions(ctx, g.ID)
	if err != nil {
		return err
	}
	var zstate *zone.State
	if rt.tracker != nil {
		st := rt.tracker.State(m.now())
		zstate = &st
	}
	var links []ws.HuntLink
	if rt.chain != nil {
		numbers, err := m.playerNumbers(ctx, g.ID)
		if err != nil {
			return err
		}
		for hunter, target := range rt.chain.Map() {
			links = append(links, ws.HuntLink{Hunter: numbers[hunter], Target: numbers[target]})
		}
		sort.Slice(links, func(i, j int) bool { return links[i].Hunter < links[j].Hunter })
	}
	m.bc.SendToSpectators(g.ID, ws.NewSpectatorPositions(positions, zstate, alive, links))
	return nil
}

// alivePositions returns the latest known position of every alive player.
func (m *Manager) alivePositions(ctx context.Context, gameID uint64) ([]ws.PositionEntry, int, error) {
	alive, err := m.store.AlivePlayers(ctx, gameID)
	if err != nil {
		return nil, 0, err
	}
	pings, err := m.store.LatestPings(ctx, gameID)
	if err != nil {
		return nil, 0, err
	}
	byAddr := make(map[common.Address]model.LocationPing, len(pings))
	for _, p := range pings {
		byAddr[p.Address] = p
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].PlayerNumber < alive[j].PlayerNumber })
	var out []ws.PositionEntry
	for _, p := range alive {
		ping, ok := byAddr[p.Address]
		if !ok {
			continue
		}
		out = append(out, ws.PositionEntry{
			PlayerNumber: p.PlayerNumber,
			Lat:          ping.Lat,
			Lng:          ping.Lng,
			IsAlive:      true,
			Kills:        p.Kills,
		})
	}
	return out, len(alive), nil
}
