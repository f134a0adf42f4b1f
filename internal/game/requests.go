package game

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/ble"
	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/hunt"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/qr"
	"github.com/chainassassin/server/internal/verify"
	"github.com/chainassassin/server/internal/ws"
)

// CheckinRequest is a client check-in submission.
type CheckinRequest struct {
	Lat            float64
	Lng            float64
	QRPayload      string
	BluetoothToken string
	BLENearby      []string
}

// Checkin processes a viral check-in. The returned kind is empty on success;
// a non-empty kind is a client-visible rejection that mutated nothing.
func (m *Manager) Checkin(ctx context.Context, gameID uint64, addr common.Address, req CheckinRequest) (verify.Kind, error) {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return "", err
	}
	if g == nil {
		return "", ErrGameNotFound
	}
	if g.Phase != model.PhaseActive || g.SubPhase != model.SubPhaseCheckin {
		return verify.KindCheckinClosed, nil
	}
	if m.chainNow(ctx, g).After(g.ExpiryDeadline) {
		return verify.KindCheckinClosed, nil
	}

	p, err := m.store.Player(ctx, gameID, addr)
	if err != nil {
		return "", err
	}
	if p == nil {
		return verify.KindNotRegistered, nil
	}
	if !p.IsAlive {
		return verify.KindHunterEliminated, nil
	}

	meetLat, meetLng := m.meetingPoint(g)
	if geo.HaversineMeters(req.Lat, req.Lng, meetLat, meetLng) > m.cfg.CheckinRadiusMeters {
		return verify.KindTooFarFromMeetingPoint, nil
	}

	if p.CheckedIn {
		// An auto-seeded player may come back once to attach their token.
		if p.BluetoothToken == "" && req.BluetoothToken != "" {
			return "", m.store.SetBluetoothToken(ctx, gameID, addr, req.BluetoothToken)
		}
		return verify.KindAlreadyCheckedIn, nil
	}

	// Everyone past the seeds must present the QR of a checked-in player.
	qrGame, qrNumber, err := qr.Decode(req.QRPayload)
	if err != nil {
		return verify.KindInvalidQR, nil
	}
	if qrGame != gameID {
		return verify.KindWrongGame, nil
	}
	ref, err := m.store.PlayerByNumber(ctx, gameID, qrNumber)
	if err != nil {
		return "", err
	}
	if ref == nil {
		return verify.KindUnknownPlayer, nil
	}
	if ref.Address == addr {
		return verify.KindScanYourself, nil
	}
	if !ref.CheckedIn {
		return verify.KindScannedNotCheckedIn, nil
	}
	if m.cfg.BLERequired {
		if ble.Canonical(ref.BluetoothToken) == "" {
			return verify.KindTargetBluetoothMissing, nil
		}
		if !ble.Match(ref.BluetoothToken, req.BLENearby) {
			return verify.KindNotSeenOverBluetooth, nil
		}
	}

	if err := m.store.SetCheckedIn(ctx, gameID, addr, req.BluetoothToken); err != nil {
		return "", err
	}
	if err := m.store.UpsertPing(ctx, &model.LocationPing{
		GameID:   gameID,
		Address:  addr,
		Lat:      req.Lat,
		Lng:      req.Lng,
		PingedAt: m.now(),
		InZone:   true,
	}); err != nil {
		return "", err
	}

	checkedIn, err := m.checkedInCount(ctx, gameID)
	if err != nil {
		return "", err
	}
	m.bc.Broadcast(gameID, ws.NewCheckinUpdate(checkedIn, g.PlayerCount, p.PlayerNumber))
	m.log.Info("player checked in",
		zap.Uint64("game", gameID), zap.Int("player", p.PlayerNumber),
		zap.Int("checkedIn", checkedIn))
	return "", nil
}

func (m *Manager) checkedInCount(ctx context.Context, gameID uint64) (int, error) {
	players, err := m.store.Players(ctx, gameID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range players {
		if p.IsAlive && p.CheckedIn {
			n++
		}
	}
	return n, nil
}

// Location records a position ping and, during the game sub-phase, runs it
// through the zone tracker. Out-of-zone players get a zone:warning with the
// seconds left on their grace clock.
func (m *Manager) Location(ctx context.Context, gameID uint64, addr common.Address, lat, lng float64, at time.Time) (verify.Kind, error) {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return "", err
	}
	if g == nil {
		return "", ErrGameNotFound
	}
	if g.Phase != model.PhaseActive {
		return "", ErrGameNotActive
	}
	p, err := m.store.Player(ctx, gameID, addr)
	if err != nil {
		return "", err
	}
	if p == nil {
		return verify.KindNotRegistered, nil
	}
	if !p.IsAlive {
		// Eliminated players keep pinging for a while; drop quietly.
		return "", nil
	}
	if at.IsZero() {
		at = m.now()
	}

	inZone := true
	if g.SubPhase == model.SubPhaseGame {
		if rt := m.runtime(gameID); rt != nil {
			rt.mu.Lock()
			if rt.tracker != nil {
				res := rt.tracker.ProcessLocation(addr, lat, lng, at)
				inZone = res.InZone
				if !inZone {
					m.bc.SendToPlayer(gameID, addr, ws.NewZoneWarning(res.SecondsRemaining))
				}
			}
			rt.mu.Unlock()
		}
	}

	return "", m.store.UpsertPing(ctx, &model.LocationPing{
		GameID:   gameID,
		Address:  addr,
		Lat:      lat,
		Lng:      lng,
		PingedAt: at,
		InZone:   inZone,
	})
}

// Kill processes a hunter's kill claim end to end: verification, the
// elimination flow and the on-chain kill record.
func (m *Manager) Kill(ctx context.Context, gameID uint64, hunter common.Address, qrPayload string, lat, lng float64, bleNearby []string) (verify.Kind, error) {
	g, rt, err := m.liveGame(ctx, gameID)
	if err != nil {
		return "", err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed || rt.chain == nil {
		return "", ErrGameNotActive
	}

	verdict, err := m.verifier.VerifyKill(ctx, gameID, rt.chain, hunter, qrPayload, lat, lng, bleNearby)
	if err != nil {
		return "", err
	}
	if !verdict.Valid {
		m.log.Info("kill rejected",
			zap.Uint64("game", gameID), zap.String("hunter", hunter.Hex()),
			zap.String("reason", string(verdict.Kind)))
		return verdict.Kind, nil
	}
	return "", m.recordKillLocked(ctx, rt, g, hunter, verdict, lat, lng)
}

// recordKillLocked runs the kill-path elimination flow. rt.mu must be held.
func (m *Manager) recordKillLocked(ctx context.Context, rt *gameRuntime, g *model.Game, hunterAddr common.Address, verdict verify.Verdict, hunterLat, hunterLng float64) error {
	now := m.now()
	target := verdict.Target

	if err := m.store.MarkEliminated(ctx, g.ID, target.Address, hunterAddr.Hex(), now); err != nil {
		return err
	}
	kills, err := m.store.IncrementKills(ctx, g.ID, hunterAddr)
	if err != nil {
		return err
	}
	killID, err := m.store.InsertKill(ctx, &model.KillRecord{
		GameID:         g.ID,
		Hunter:         hunterAddr,
		Target:         target.Address,
		KilledAt:       now,
		HunterLat:      hunterLat,
		HunterLng:      hunterLng,
		TargetLat:      verdict.TargetLat,
		TargetLng:      verdict.TargetLng,
		DistanceMeters: verdict.DistanceMeters,
	})
	if err != nil {
		return err
	}

	next, collapsed, err := rt.chain.ProcessKill(ctx, hunterAddr, target.Address)
	if err != nil {
		if errors.Is(err, hunt.ErrNotInChain) || errors.Is(err, hunt.ErrTargetMismatch) {
			// Should not happen after verification; log and stop without
			// broadcasting a half-applied kill.
			m.log.Error("kill passed verification but chain rewire failed",
				zap.Uint64("game", g.ID), zap.String("hunter", hunterAddr.Hex()), zap.Error(err))
			return nil
		}
		return err
	}

	hunter, err := m.store.Player(ctx, g.ID, hunterAddr)
	if err != nil {
		return err
	}
	rt.tracker.ClearPlayer(target.Address)

	if !g.Simulated {
		id, hn, tn, kid := g.ID, hunter.PlayerNumber, target.PlayerNumber, killID
		m.submitOperator(id, "recordKill", func(c context.Context) (string, error) {
			return m.op.RecordKill(c, id, hn, tn)
		}, func(hash string) {
			if err := m.store.SetKillTxHash(context.Background(), kid, hash); err != nil {
				m.log.Error("kill tx hash write failed", zap.Int64("kill", kid), zap.Error(err))
			}
		})
	}

	m.bc.Broadcast(g.ID, ws.NewKillRecorded(hunter.PlayerNumber, target.PlayerNumber, kills))
	m.bc.Broadcast(g.ID, ws.NewPlayerEliminated(target.PlayerNumber, hunter.PlayerNumber, reasonKill))
	if !collapsed {
		m.notifyRewireLocked(ctx, rt, g.ID, hunterAddr, next)
	}
	if err := m.broadcastLeaderboard(ctx, g.ID); err != nil {
		return err
	}
	m.log.Info("kill recorded",
		zap.Uint64("game", g.ID), zap.Int("hunter", hunter.PlayerNumber),
		zap.Int("target", target.PlayerNumber), zap.Int("kills", kills))
	return m.checkEndLocked(ctx, rt, g)
}

// Heartbeat processes a mutual-liveness scan. On success the scanned
// player's clock is refreshed and their number returned.
func (m *Manager) Heartbeat(ctx context.Context, gameID uint64, scanner common.Address, qrPayload string, lat, lng float64, bleNearby []string) (int, verify.Kind, error) {
	_, rt, err := m.liveGame(ctx, gameID)
	if err != nil {
		return 0, "", err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return 0, "", ErrGameNotActive
	}

	alive, err := m.store.AlivePlayers(ctx, gameID)
	if err != nil {
		return 0, "", err
	}
	if len(alive) <= m.cfg.HeartbeatDisableThreshold {
		return 0, verify.KindHeartbeatDisabled, nil
	}

	verdict, err := m.verifier.VerifyHeartbeat(ctx, gameID, rt.chain, scanner, qrPayload, lat, lng, bleNearby)
	if err != nil {
		return 0, "", err
	}
	if !verdict.Valid {
		m.log.Info("heartbeat rejected",
			zap.Uint64("game", gameID), zap.String("scanner", scanner.Hex()),
			zap.String("reason", string(verdict.Kind)))
		return 0, verdict.Kind, nil
	}

	now := m.now()
	scanned := verdict.Scanned
	if err := m.store.SetHeartbeat(ctx, gameID, scanned.Address, now); err != nil {
		return 0, "", err
	}
	if err := m.store.InsertHeartbeat(ctx, &model.HeartbeatScan{
		GameID:    gameID,
		Scanner:   scanner,
		Scanned:   scanned.Address,
		ScannedAt: now,
	}); err != nil {
		return 0, "", err
	}

	m.bc.SendToPlayer(gameID, scanned.Address, ws.NewHeartbeatRefreshed(now.Add(m.cfg.HeartbeatInterval)))
	m.bc.SendToPlayer(gameID, scanner, ws.NewHeartbeatScanSuccess(scanned.PlayerNumber))
	return scanned.PlayerNumber, "", nil
}

// liveGame loads a game that must be in ACTIVE.game with a runtime attached.
func (m *Manager) liveGame(ctx context.Context, gameID uint64) (*model.Game, *gameRuntime, error) {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}
	if g == nil {
		return nil, nil, ErrGameNotFound
	}
	if g.Phase != model.PhaseActive || g.SubPhase != model.SubPhaseGame {
		return nil, nil, ErrGameNotActive
	}
	rt := m.runtime(gameID)
	if rt == nil {
		return nil, nil, ErrGameNotActive
	}
	return g, rt, nil
}
