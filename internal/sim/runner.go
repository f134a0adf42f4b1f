package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/game"
	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/qr"
	"github.com/chainassassin/server/internal/scripting"
	"github.com/chainassassin/server/internal/verify"
)

const tickInterval = time.Second

// Runner drives one fixture's bots against the coordinator through the same
// entry points real clients use.
type Runner struct {
	mgr *game.Manager
	eng *scripting.Engine
	log *zap.Logger

	fixture *Fixture
	bots    map[int]*bot
}

type bot struct {
	number    int
	behavior  string
	addr      common.Address
	lat, lng  float64
	checkedIn bool
}

func NewRunner(mgr *game.Manager, eng *scripting.Engine, fixture *Fixture, log *zap.Logger) (*Runner, error) {
	bots := make(map[int]*bot, len(fixture.Bots))
	for _, fb := range fixture.Bots {
		if !eng.HasBehavior(fb.Behavior) {
			return nil, fmt.Errorf("sim: behavior %q is not defined by any script", fb.Behavior)
		}
		bots[fb.Number] = &bot{
			number:   fb.Number,
			behavior: fb.Behavior,
			addr:     botAddress(fixture.Game.ID, fb.Number),
			lat:      fb.Start.Lat,
			lng:      fb.Start.Lng,
		}
	}
	return &Runner{mgr: mgr, eng: eng, fixture: fixture, bots: bots, log: log}, nil
}

// botAddress derives a stable fake wallet for (game, player number).
func botAddress(gameID uint64, number int) common.Address {
	var a common.Address
	a[0] = 0x51 // sim namespace, avoids colliding with real wallets
	a[12] = byte(gameID >> 24)
	a[13] = byte(gameID >> 16)
	a[14] = byte(gameID >> 8)
	a[15] = byte(gameID)
	a[18] = byte(number >> 8)
	a[19] = byte(number)
	return a
}

func botToken(number int) string {
	return fmt.Sprintf("51:4D:00:00:00:%02X", number)
}

// Run creates the simulated game, registers the bots, and ticks them until
// the game reaches a terminal phase or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.createGame(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		tick++
		done, err := r.step(ctx, tick)
		if err != nil {
			return err
		}
		if done {
			r.log.Info("sim finished", zap.Uint64("game", r.fixture.Game.ID))
			return nil
		}
	}
}

func (r *Runner) createGame(ctx context.Context) error {
	fg := r.fixture.Game
	now := time.Now()
	g := &model.Game{
		ID:                   fg.ID,
		Title:                fg.Title,
		EntryFeeWei:          fg.EntryFeeWei,
		MinPlayers:           fg.MinPlayers,
		MaxPlayers:           fg.MaxPlayers,
		RegistrationDeadline: now.Add(fg.RegistrationIn.Std()),
		GameDate:             now.Add(fg.GameDateIn.Std()),
		ExpiryDeadline:       now.Add(fg.ExpiryIn.Std()),
		MaxDuration:          fg.MaxDuration.Std(),
		CenterLat:            geo.ToFixed(fg.Center.Lat),
		CenterLng:            geo.ToFixed(fg.Center.Lng),
		MeetingLat:           geo.ToFixed(fg.Meeting.Lat),
		MeetingLng:           geo.ToFixed(fg.Meeting.Lng),
		Split: model.PrizeSplit{
			First:   fg.Split.First,
			Second:  fg.Split.Second,
			Third:   fg.Split.Third,
			Kills:   fg.Split.Kills,
			Creator: fg.Split.Creator,
		},
		TotalCollected: "0",
		Simulated:      true,
	}
	shrinks := make([]model.ZoneShrink, len(fg.Shrinks))
	for i, s := range fg.Shrinks {
		shrinks[i] = model.ZoneShrink{AtSecond: s.AtSecond, RadiusMeters: s.RadiusMeters}
	}
	if err := r.mgr.HandleGameCreated(ctx, g, shrinks); err != nil {
		return fmt.Errorf("sim: create game: %w", err)
	}

	for _, fb := range r.fixture.Bots {
		b := r.bots[fb.Number]
		if err := r.mgr.HandlePlayerRegistered(ctx, fg.ID, b.addr, fb.Number, "0"); err != nil {
			return fmt.Errorf("sim: register player %d: %w", fb.Number, err)
		}
	}
	r.log.Info("sim game created",
		zap.Uint64("game", fg.ID), zap.Int("players", len(r.bots)))
	return nil
}

// step runs one decision round. Returns true when the game is over.
func (r *Runner) step(ctx context.Context, tick int) (bool, error) {
	status, err := r.mgr.GameStatus(ctx, r.fixture.Game.ID)
	if err != nil {
		return false, fmt.Errorf("sim: status: %w", err)
	}
	switch model.Phase(status.Phase) {
	case model.PhaseEnded, model.PhaseCancelled:
		return true, nil
	case model.PhaseRegistration:
		// Waiting for the auto-start sweep.
		return false, r.mgr.CheckAutoStart(ctx)
	}

	alive := make(map[int]bool, len(status.Leaderboard))
	for _, e := range status.Leaderboard {
		alive[e.PlayerNumber] = e.IsAlive
	}
	for _, b := range r.bots {
		if !alive[b.number] {
			continue
		}
		bctx := r.buildContext(b, status, tick)
		for _, cmd := range r.eng.RunBot(b.behavior, bctx) {
			r.execute(ctx, b, cmd)
		}
	}
	return false, nil
}

func (r *Runner) buildContext(b *bot, status *game.Status, tick int) scripting.BotContext {
	fg := r.fixture.Game
	bctx := scripting.BotContext{
		PlayerNumber: b.number,
		Tick:         tick,
		SubPhase:     status.SubPhase,
		Lat:          b.lat,
		Lng:          b.lng,
		CheckedIn:    b.checkedIn,
		MeetingLat:   fg.Meeting.Lat,
		MeetingLng:   fg.Meeting.Lng,
	}
	if status.Zone != nil {
		bctx.ZoneCenterLat = status.Zone.CenterLat
		bctx.ZoneCenterLng = status.Zone.CenterLng
		bctx.ZoneRadiusMeters = status.Zone.CurrentRadiusMeters
		bctx.InZone = geo.InZone(bctx.ZoneCenterLat, bctx.ZoneCenterLng, b.lat, b.lng, bctx.ZoneRadiusMeters)
	}

	// Authorize doubles as the bot's target-hint read.
	if auth, err := r.mgr.Authorize(fg.ID, b.addr); err == nil && auth.Target != nil {
		bctx.TargetNumber = auth.Target.PlayerNumber
		if target, ok := r.bots[auth.Target.PlayerNumber]; ok {
			bctx.TargetLat = target.lat
			bctx.TargetLng = target.lng
			bctx.TargetDistanceMeters = geo.HaversineMeters(b.lat, b.lng, target.lat, target.lng)
		}
	}
	return bctx
}

func (r *Runner) execute(ctx context.Context, b *bot, cmd scripting.BotCommand) {
	gameID := r.fixture.Game.ID
	var (
		kind verify.Kind
		err  error
	)
	switch cmd.Type {
	case "move":
		b.lat, b.lng = cmd.Lat, cmd.Lng
		kind, err = r.mgr.Location(ctx, gameID, b.addr, b.lat, b.lng, time.Now())

	case "checkin":
		kind, err = r.mgr.Checkin(ctx, gameID, b.addr, game.CheckinRequest{
			Lat:            b.lat,
			Lng:            b.lng,
			BluetoothToken: botToken(b.number),
			BLENearby:      r.nearbyTokens(b),
		})
		if err == nil && (kind == verify.KindNone || kind == verify.KindAlreadyCheckedIn) {
			b.checkedIn = true
		}

	case "scan_checkin":
		kind, err = r.mgr.Checkin(ctx, gameID, b.addr, game.CheckinRequest{
			Lat:            b.lat,
			Lng:            b.lng,
			QRPayload:      qr.Encode(gameID, cmd.ScanNumber),
			BluetoothToken: botToken(b.number),
			BLENearby:      r.nearbyTokens(b),
		})
		if err == nil && (kind == verify.KindNone || kind == verify.KindAlreadyCheckedIn) {
			b.checkedIn = true
		}

	case "kill":
		kind, err = r.mgr.Kill(ctx, gameID, b.addr,
			qr.Encode(gameID, cmd.ScanNumber), b.lat, b.lng, r.nearbyTokens(b))

	case "heartbeat":
		_, kind, err = r.mgr.Heartbeat(ctx, gameID, b.addr,
			qr.Encode(gameID, cmd.ScanNumber), b.lat, b.lng, r.nearbyTokens(b))

	case "idle", "":
		return

	default:
		r.log.Warn("sim: unknown bot command", zap.String("type", cmd.Type))
		return
	}

	if err != nil {
		r.log.Warn("sim: command failed",
			zap.Int("bot", b.number), zap.String("type", cmd.Type), zap.Error(err))
		return
	}
	if kind != verify.KindNone {
		r.log.Debug("sim: command rejected",
			zap.Int("bot", b.number), zap.String("type", cmd.Type), zap.String("reason", string(kind)))
	}
}

// nearbyTokens reports every other bot within BLE range of b. Bots share one
// physical "room" per 100 m radius for proof purposes.
func (r *Runner) nearbyTokens(b *bot) []string {
	var out []string
	for _, other := range r.bots {
		if other.number == b.number {
			continue
		}
		if geo.HaversineMeters(b.lat, b.lng, other.lat, other.lng) <= 100 {
			out = append(out, botToken(other.number))
		}
	}
	return out
}
