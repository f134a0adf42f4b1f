package game

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/hunt"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/rank"
	"github.com/chainassassin/server/internal/ws"
	"github.com/chainassassin/server/internal/zone"
)

// HandleGameCreated inserts the game and its shrink schedule, then schedules
// the registration-deadline and game-date checks.
func (m *Manager) HandleGameCreated(ctx context.Context, g *model.Game, shrinks []model.ZoneShrink) error {
	g.Phase = model.PhaseRegistration
	if err := m.store.CreateGame(ctx, g, shrinks); err != nil {
		return err
	}
	m.scheduleRegistrationChecks(g)
	m.log.Info("game created",
		zap.Uint64("game", g.ID), zap.String("title", g.Title),
		zap.Int("minPlayers", g.MinPlayers), zap.Bool("simulated", g.Simulated))
	return nil
}

func (m *Manager) scheduleRegistrationChecks(g *model.Game) {
	rt := m.ensureRuntime(g.ID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	id := g.ID
	rt.scheduleLocked("deadline", g.RegistrationDeadline.Sub(m.now()), func() {
		if err := m.autoStartGame(context.Background(), id); err != nil {
			m.log.Error("registration deadline check failed", zap.Uint64("game", id), zap.Error(err))
		}
	})
	rt.scheduleLocked("gamedate", g.GameDate.Sub(m.now()), func() {
		if err := m.autoStartGame(context.Background(), id); err != nil {
			m.log.Error("game date check failed", zap.Uint64("game", id), zap.Error(err))
		}
	})
}

// HandlePlayerRegistered inserts the player row and refreshes the game's
// counters. playerNumber is assigned by the contract in registration order,
// so it doubles as the running player count.
func (m *Manager) HandlePlayerRegistered(ctx context.Context, gameID uint64, addr common.Address, playerNumber int, totalCollected string) error {
	if err := m.store.InsertPlayer(ctx, &model.Player{
		GameID:       gameID,
		Address:      addr,
		PlayerNumber: playerNumber,
		IsAlive:      true,
	}); err != nil {
		return err
	}
	if err := m.store.UpdateCounters(ctx, gameID, playerNumber, totalCollected); err != nil {
		return err
	}
	m.bc.Broadcast(gameID, ws.NewPlayerRegistered(playerNumber, playerNumber))
	return nil
}

// HandleGameStarted moves the game into ACTIVE.checkin.
func (m *Manager) HandleGameStarted(ctx context.Context, gameID uint64, startedAt time.Time) error {
	return m.enterCheckin(ctx, gameID, startedAt)
}

// HandleGameEnded records the winners reported by the settlement contract
// and finishes the game.
func (m *Manager) HandleGameEnded(ctx context.Context, gameID uint64, w1, w2, w3, topKiller int) error {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return err
	}
	if g == nil {
		return ErrGameNotFound
	}
	if g.Phase == model.PhaseEnded {
		return nil
	}

	var w rank.Winners
	w.FirstNumber, w.SecondNumber, w.ThirdNumber, w.TopKillerNumber = w1, w2, w3, topKiller
	for _, slot := range []struct {
		number int
		addr   *common.Address
	}{
		{w1, &w.First}, {w2, &w.Second}, {w3, &w.Third}, {topKiller, &w.TopKiller},
	} {
		if slot.number == 0 {
			continue
		}
		p, err := m.store.PlayerByNumber(ctx, gameID, slot.number)
		if err != nil {
			return err
		}
		if p != nil {
			*slot.addr = p.Address
		}
	}

	rt := m.ensureRuntime(gameID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return m.finalizeEndLocked(ctx, rt, g, w)
}

// HandleGameCancelled applies an on-chain cancellation (including expiry).
func (m *Manager) HandleGameCancelled(ctx context.Context, gameID uint64) error {
	if err := m.store.SetCancelled(ctx, gameID); err != nil {
		return err
	}
	m.bc.Broadcast(gameID, ws.NewGameCancelled(gameID))
	if rt := m.runtime(gameID); rt != nil {
		m.teardown(rt)
	}
	m.log.Info("game cancelled", zap.Uint64("game", gameID))
	return nil
}

// HandleClaim marks a prize or refund as claimed.
func (m *Manager) HandleClaim(ctx context.Context, gameID uint64, addr common.Address) error {
	return m.store.SetClaimed(ctx, gameID, addr)
}

// CheckAutoStart runs the registration deadline and game-date checks over
// every game still in REGISTRATION. Exposed to the admin endpoint.
func (m *Manager) CheckAutoStart(ctx context.Context) error {
	games, err := m.store.GamesInPhase(ctx, model.PhaseRegistration)
	if err != nil {
		return err
	}
	for _, g := range games {
		if err := m.autoStartGame(ctx, g.ID); err != nil {
			m.log.Error("auto-start check failed", zap.Uint64("game", g.ID), zap.Error(err))
		}
	}
	return nil
}

// autoStartGame starts or cancels one REGISTRATION game as its deadlines and
// player count dictate.
func (m *Manager) autoStartGame(ctx context.Context, gameID uint64) error {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return err
	}
	if g == nil || g.Phase != model.PhaseRegistration {
		return nil
	}
	now := m.chainNow(ctx, g)
	switch {
	case !now.Before(g.GameDate):
		if g.PlayerCount >= g.MinPlayers {
			return m.startGame(ctx, g)
		}
		return m.triggerCancellation(ctx, g)
	case !now.Before(g.RegistrationDeadline):
		if g.PlayerCount < g.MinPlayers {
			return m.triggerCancellation(ctx, g)
		}
	}
	return nil
}

func (m *Manager) startGame(ctx context.Context, g *model.Game) error {
	rt := m.ensureRuntime(g.ID)
	rt.mu.Lock()
	if rt.startInFlight {
		rt.mu.Unlock()
		return nil
	}
	rt.startInFlight = true
	rt.mu.Unlock()

	if g.Simulated {
		return m.enterCheckin(ctx, g.ID, m.now())
	}
	id := g.ID
	m.submitOperator(id, "startGame", func(c context.Context) (string, error) {
		return m.op.StartGame(c, id)
	}, nil)
	return nil
}

// enterCheckin transitions REGISTRATION → ACTIVE.checkin and starts the
// check-in loops.
func (m *Manager) enterCheckin(ctx context.Context, gameID uint64, startedAt time.Time) error {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return err
	}
	if g == nil {
		return ErrGameNotFound
	}
	if g.Phase != model.PhaseRegistration {
		return nil // replayed event
	}
	if err := m.store.EnterActive(ctx, gameID, startedAt); err != nil {
		return err
	}

	endsAt := startedAt.Add(m.cfg.CheckinDuration)
	m.bc.Broadcast(gameID, ws.NewCheckinStarted(
		int(m.cfg.CheckinDuration.Seconds()), endsAt, g.RequiredCheckins()))

	m.startCheckinLoops(m.ensureRuntime(gameID))
	m.log.Info("check-in opened",
		zap.Uint64("game", gameID), zap.Int("players", g.PlayerCount),
		zap.Int("required", g.RequiredCheckins()))
	return nil
}

// startCheckinLoops runs auto-seeding, the expiry monitor and the pre-game
// spectator feed. Each loop retires itself once the sub-phase moves on.
func (m *Manager) startCheckinLoops(rt *gameRuntime) {
	id := rt.id
	m.loop(rt, m.cfg.AutoSeedInterval, func() bool {
		done, err := m.autoSeed(context.Background(), id)
		if err != nil {
			m.log.Error("auto-seed failed", zap.Uint64("game", id), zap.Error(err))
		}
		return done
	})
	m.loop(rt, m.cfg.CheckinMonitorInterval, func() bool {
		return m.checkinMonitor(context.Background(), id)
	})
	m.loop(rt, m.cfg.SpectatorFrameInterval, func() bool {
		return m.sendSpectatorPositions(context.Background(), id)
	})
}

func seedTarget(aliveCount int) int {
	n := int(math.Ceil(0.05 * float64(aliveCount)))
	if n < 1 {
		n = 1
	}
	return n
}

// autoSeed marks the players closest to the meeting point as checked in
// until the seed target is met, bootstrapping the viral scan chain. Returns
// true when the loop can stop.
func (m *Manager) autoSeed(ctx context.Context, gameID uint64) (bool, error) {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return true, err
	}
	if g == nil || g.Phase != model.PhaseActive || g.SubPhase != model.SubPhaseCheckin {
		return true, nil
	}
	players, err := m.store.Players(ctx, gameID)
	if err != nil {
		return false, err
	}

	aliveCount, checkedIn := 0, 0
	for _, p := range players {
		if p.IsAlive {
			aliveCount++
			if p.CheckedIn {
				checkedIn++
			}
		}
	}
	target := seedTarget(aliveCount)
	if checkedIn >= target {
		return true, nil
	}

	meetLat, meetLng := m.meetingPoint(g)
	type candidate struct {
		player   model.Player
		distance float64
	}
	var candidates []candidate
	for _, p := range players {
		if !p.IsAlive || p.CheckedIn {
			continue
		}
		ping, err := m.store.LatestPing(ctx, gameID, p.Address)
		if err != nil {
			return false, err
		}
		if ping == nil {
			continue
		}
		d := geo.HaversineMeters(ping.Lat, ping.Lng, meetLat, meetLng)
		if d > m.cfg.CheckinRadiusMeters {
			continue
		}
		candidates = append(candidates, candidate{p, d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	for _, c := range candidates {
		if checkedIn >= target {
			break
		}
		if err := m.store.SetCheckedIn(ctx, gameID, c.player.Address, ""); err != nil {
			return false, err
		}
		checkedIn++
		m.bc.Broadcast(gameID, ws.NewCheckinUpdate(checkedIn, g.PlayerCount, c.player.PlayerNumber))
		m.log.Info("auto-seeded check-in",
			zap.Uint64("game", gameID), zap.Int("player", c.player.PlayerNumber),
			zap.Float64("distance_m", c.distance))
	}

	return checkedIn >= target, nil
}

// checkinMonitor enforces the expiry deadline against chain time and closes
// check-in once the quorum holds. Completion runs here rather than inline in
// the check-in call so late scanners within the same monitor window still
// make it in. Returns true once check-in is over.
func (m *Manager) checkinMonitor(ctx context.Context, gameID uint64) bool {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		m.log.Error("check-in monitor read failed", zap.Uint64("game", gameID), zap.Error(err))
		return false
	}
	if g == nil || g.Phase != model.PhaseActive || g.SubPhase != model.SubPhaseCheckin {
		return true
	}
	if m.chainNow(ctx, g).After(g.ExpiryDeadline) {
		if err := m.triggerExpiry(ctx, g); err != nil {
			m.log.Error("expiry trigger failed", zap.Uint64("game", gameID), zap.Error(err))
		}
		return false
	}
	if err := m.maybeCompleteCheckin(ctx, gameID); err != nil {
		m.log.Error("check-in completion failed", zap.Uint64("game", gameID), zap.Error(err))
	}
	return false
}

// maybeCompleteCheckin closes check-in once the quorum is reached.
func (m *Manager) maybeCompleteCheckin(ctx context.Context, gameID uint64) error {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return err
	}
	if g == nil || g.Phase != model.PhaseActive || g.SubPhase != model.SubPhaseCheckin {
		return nil
	}
	players, err := m.store.Players(ctx, gameID)
	if err != nil {
		return err
	}
	checkedIn := 0
	for _, p := range players {
		if p.IsAlive && p.CheckedIn {
			checkedIn++
		}
	}
	if checkedIn < g.RequiredCheckins() {
		return nil
	}
	return m.completeCheckin(ctx, g, players, checkedIn)
}

// completeCheckin eliminates everyone who never checked in and starts the
// pregame countdown. With at most one player left, the game ends right away.
func (m *Manager) completeCheckin(ctx context.Context, g *model.Game, players []model.Player, checkedIn int) error {
	rt := m.ensureRuntime(g.ID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed || rt.checkinDone {
		return nil
	}
	rt.checkinDone = true

	var unchecked []model.Player
	for _, p := range players {
		if p.IsAlive && !p.CheckedIn {
			unchecked = append(unchecked, p)
		}
	}
	sort.Slice(unchecked, func(i, j int) bool {
		return unchecked[i].PlayerNumber < unchecked[j].PlayerNumber
	})
	for i := range unchecked {
		if rt.closed || rt.ending {
			break
		}
		if err := m.eliminateLocked(ctx, rt, g, &unchecked[i], model.ReasonNoCheckin); err != nil {
			return err
		}
	}
	if rt.closed || rt.ending {
		return nil
	}

	now := m.now()
	if err := m.store.SetSubPhase(ctx, g.ID, model.SubPhasePregame, now); err != nil {
		return err
	}
	endsAt := now.Add(m.cfg.PregameDuration)
	m.bc.Broadcast(g.ID, ws.NewPregameStarted(
		int(m.cfg.PregameDuration.Seconds()), endsAt, checkedIn, g.PlayerCount))

	id := g.ID
	rt.scheduleLocked("pregame", m.cfg.PregameDuration, func() {
		if err := m.startGamePhase(context.Background(), id); err != nil {
			m.log.Error("game phase start failed", zap.Uint64("game", id), zap.Error(err))
		}
	})
	m.log.Info("pregame started",
		zap.Uint64("game", g.ID), zap.Int("checkedIn", checkedIn), zap.Time("endsAt", endsAt))
	return nil
}

// startGamePhase transitions pregame → game: target chain, zone tracker,
// heartbeat clocks, per-player start frames, then the 1 Hz tick.
func (m *Manager) startGamePhase(ctx context.Context, gameID uint64) error {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return err
	}
	if g == nil || g.Phase != model.PhaseActive || g.SubPhase != model.SubPhasePregame {
		return nil
	}

	rt := m.ensureRuntime(gameID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}

	alive, err := m.store.AlivePlayers(ctx, gameID)
	if err != nil {
		return err
	}
	if len(alive) < 2 {
		return m.endGameLocked(ctx, rt, g)
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].PlayerNumber < alive[j].PlayerNumber })

	addrs := make([]common.Address, len(alive))
	numbers := make(map[common.Address]int, len(alive))
	for i, p := range alive {
		addrs[i] = p.Address
		numbers[p.Address] = p.PlayerNumber
	}

	chain := hunt.NewChain(gameID, m.store)
	targetOf, err := chain.Initialize(ctx, addrs)
	if err != nil {
		return err
	}
	rt.chain = chain

	shrinks, err := m.store.Shrinks(ctx, gameID)
	if err != nil {
		return err
	}
	now := m.now()
	rt.tracker = zone.NewTracker(
		geo.FromFixed(g.CenterLat), geo.FromFixed(g.CenterLng), shrinks, now, m.cfg.ZoneGrace)

	if err := m.store.InitHeartbeats(ctx, gameID, now); err != nil {
		return err
	}
	if err := m.store.SetSubPhase(ctx, gameID, model.SubPhaseGame, now); err != nil {
		return err
	}

	zstate := rt.tracker.State(now)
	deadline := now.Add(m.cfg.HeartbeatInterval)
	interval := int(m.cfg.HeartbeatInterval.Seconds())
	for _, p := range alive {
		hunter, _ := chain.Hunter(p.Address)
		m.bc.SendToPlayer(gameID, p.Address, ws.NewGameStarted(
			numbers[targetOf[p.Address]], numbers[hunter], deadline, interval, zstate))
	}
	m.bc.Broadcast(gameID, ws.NewGameStartedBroadcast(g.PlayerCount))

	id := gameID
	m.loop(rt, time.Second, func() bool {
		return m.tickGame(context.Background(), id)
	})
	m.log.Info("game live", zap.Uint64("game", gameID), zap.Int("alive", len(alive)))
	return nil
}

// endGameLocked resolves winners and settles. The ending flag stops
// concurrent paths from double-entering. rt.mu must be held.
func (m *Manager) endGameLocked(ctx context.Context, rt *gameRuntime, g *model.Game) error {
	if rt.ending {
		m.log.Info("duplicate end suppressed", zap.Uint64("game", g.ID))
		return nil
	}
	rt.ending = true

	players, err := m.store.Players(ctx, g.ID)
	if err != nil {
		rt.ending = false
		return err
	}
	w := rank.Resolve(players, g.Split)

	if g.Simulated {
		return m.finalizeEndLocked(ctx, rt, g, w)
	}
	id := g.ID
	m.submitOperator(id, "endGame", func(c context.Context) (string, error) {
		return m.op.EndGame(c, id, w.FirstNumber, w.SecondNumber, w.ThirdNumber, w.TopKillerNumber)
	}, nil)
	// Phase flips when the GameEnded event comes back.
	return nil
}

// finalizeEndLocked persists the outcome, announces it and tears the game
// down. rt.mu must be held.
func (m *Manager) finalizeEndLocked(ctx context.Context, rt *gameRuntime, g *model.Game, w rank.Winners) error {
	if err := m.store.SetEnded(ctx, g.ID, w, m.now()); err != nil {
		return err
	}
	m.bc.Broadcast(g.ID, ws.NewGameEnded(
		w.FirstNumber, w.SecondNumber, w.ThirdNumber, w.TopKillerNumber))
	m.teardownLocked(rt)
	m.log.Info("game ended",
		zap.Uint64("game", g.ID), zap.Int("winner1", w.FirstNumber),
		zap.Int("topKiller", w.TopKillerNumber))
	return nil
}

// triggerCancellation submits an under-subscription cancellation once.
func (m *Manager) triggerCancellation(ctx context.Context, g *model.Game) error {
	rt := m.ensureRuntime(g.ID)
	rt.mu.Lock()
	if rt.cancelInFlight {
		rt.mu.Unlock()
		m.log.Info("duplicate cancellation suppressed", zap.Uint64("game", g.ID))
		return nil
	}
	rt.cancelInFlight = true
	rt.mu.Unlock()

	if g.Simulated {
		return m.HandleGameCancelled(ctx, g.ID)
	}
	// Another path may have already cancelled on-chain.
	if phase, err := m.op.GamePhase(ctx, g.ID); err == nil && phase == model.PhaseCancelled {
		return m.HandleGameCancelled(ctx, g.ID)
	}
	id := g.ID
	m.submitOperator(id, "triggerCancellation", func(c context.Context) (string, error) {
		return m.op.TriggerCancellation(c, id)
	}, nil)
	return nil
}

// triggerExpiry cancels a game whose check-in ran past the expiry deadline.
func (m *Manager) triggerExpiry(ctx context.Context, g *model.Game) error {
	rt := m.ensureRuntime(g.ID)
	rt.mu.Lock()
	if rt.expiryInFlight {
		rt.mu.Unlock()
		m.log.Info("duplicate expiry suppressed", zap.Uint64("game", g.ID))
		return nil
	}
	rt.expiryInFlight = true
	rt.mu.Unlock()

	if g.Simulated {
		return m.HandleGameCancelled(ctx, g.ID)
	}
	id := g.ID
	m.submitOperator(id, "triggerExpiry", func(c context.Context) (string, error) {
		return m.op.TriggerExpiry(c, id)
	}, nil)
	return nil
}

// meetingPoint falls back to the zone center when no meeting point was set.
func (m *Manager) meetingPoint(g *model.Game) (lat, lng float64) {
	if g.HasMeetingPoint() {
		return geo.FromFixed(g.MeetingLat), geo.FromFixed(g.MeetingLng)
	}
	return geo.FromFixed(g.CenterLat), geo.FromFixed(g.CenterLng)
}
