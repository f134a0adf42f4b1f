// Package game is the coordinator. It owns every per-game state transition:
// registration deadlines, the check-in quorum, the pregame countdown, the
// live 1 Hz tick, eliminations, ending, cancellation and expiry. All in-memory
// per-game state is single-writer: mutations happen under the game runtime's
// mutex, and background loops re-check the closed flag after acquiring it.
package game

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/config"
	"github.com/chainassassin/server/internal/hunt"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/verify"
	"github.com/chainassassin/server/internal/ws"
	"github.com/chainassassin/server/internal/zone"
)

// Lifecycle errors surfaced to the API layer.
var (
	ErrGameNotFound  = errors.New("gameNotFound")
	ErrGameNotActive = errors.New("gameNotActive")
)

// reasonKill is the broadcast reason for kill-path eliminations; the store
// keeps the hunter's address instead.
const reasonKill = "kill"

// Broadcaster is the fan-out surface; *ws.Hub satisfies it.
type Broadcaster interface {
	Broadcast(gameID uint64, msg ws.Message)
	SendToPlayer(gameID uint64, addr common.Address, msg ws.Message)
	SendToSpectators(gameID uint64, msg ws.Message)
}

// Manager coordinates every game the process knows about.
type Manager struct {
	store    Store
	op       Operator
	bc       Broadcaster
	verifier *verify.Verifier
	cfg      config.GameConfig
	log      *zap.Logger

	// now is the coordinator clock; tests substitute it.
	now func() time.Time

	mu    sync.Mutex
	games map[uint64]*gameRuntime

	wg sync.WaitGroup
}

func NewManager(store Store, op Operator, bc Broadcaster, cfg config.GameConfig, log *zap.Logger) *Manager {
	return &Manager{
		store: store,
		op:    op,
		bc:    bc,
		verifier: verify.NewVerifier(store, verify.Config{
			KillProximityMeters:      cfg.KillProximityMeters,
			HeartbeatProximityMeters: cfg.HeartbeatProximityMeters,
			BLERequired:              cfg.BLERequired,
			StrictProof:              cfg.StrictProof,
		}),
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		games: make(map[uint64]*gameRuntime),
	}
}

// gameRuntime is the in-memory state of one game. Everything below mu is
// owned by whoever holds it; chain and tracker are nil before the game
// sub-phase.
type gameRuntime struct {
	id uint64

	mu      sync.Mutex
	chain   *hunt.Chain
	tracker *zone.Tracker
	timers  map[string]*time.Timer
	done    chan struct{}
	closed  bool

	// Duplicate-submission guards: end, cancellation and expiry can each be
	// reached from several inputs nearly simultaneously.
	ending         bool
	startInFlight  bool
	cancelInFlight bool
	expiryInFlight bool
	checkinDone    bool

	tickCount int
}

// scheduleLocked replaces the named one-shot timer. rt.mu must be held.
func (rt *gameRuntime) scheduleLocked(name string, d time.Duration, fn func()) {
	if t, ok := rt.timers[name]; ok {
		t.Stop()
	}
	if d < 0 {
		d = 0
	}
	rt.timers[name] = time.AfterFunc(d, fn)
}

func (m *Manager) runtime(id uint64) *gameRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.games[id]
}

func (m *Manager) ensureRuntime(id uint64) *gameRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.games[id]
	if !ok {
		rt = &gameRuntime{
			id:     id,
			timers: make(map[string]*time.Timer),
			done:   make(chan struct{}),
		}
		m.games[id] = rt
	}
	return rt
}

// teardownLocked stops every timer and loop of a finished game and drops the
// runtime from the registry. rt.mu must be held; m.mu must not be.
func (m *Manager) teardownLocked(rt *gameRuntime) {
	if rt.closed {
		return
	}
	rt.closed = true
	for _, t := range rt.timers {
		t.Stop()
	}
	rt.timers = make(map[string]*time.Timer)
	close(rt.done)

	m.mu.Lock()
	delete(m.games, rt.id)
	m.mu.Unlock()
}

func (m *Manager) teardown(rt *gameRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m.teardownLocked(rt)
}

// loop runs fn at the given interval until the runtime closes or fn reports
// that it is done.
func (m *Manager) loop(rt *gameRuntime, interval time.Duration, fn func() bool) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rt.done:
				return
			case <-ticker.C:
				if fn() {
					return
				}
			}
		}
	}()
}

// Close tears down every game's runtime and waits for background work.
func (m *Manager) Close() {
	m.mu.Lock()
	rts := make([]*gameRuntime, 0, len(m.games))
	for _, rt := range m.games {
		rts = append(rts, rt)
	}
	m.mu.Unlock()

	for _, rt := range rts {
		m.teardown(rt)
	}
	m.wg.Wait()
}

// chainNow is the authoritative deadline clock: block time for on-chain
// games, the local clock for simulated ones.
func (m *Manager) chainNow(ctx context.Context, g *model.Game) time.Time {
	if g.Simulated {
		return m.now()
	}
	t, err := m.op.BlockTime(ctx)
	if err != nil {
		m.log.Warn("block time unavailable, using local clock", zap.Error(err))
		return m.now()
	}
	return t
}

// submitOperator records an outbox row and runs the settlement call in the
// background. Failures are logged and marked on the row; game state is never
// rolled back, the event stream reconciles later.
func (m *Manager) submitOperator(gameID uint64, action string, call func(ctx context.Context) (string, error), onConfirm func(txHash string)) {
	ctx := context.Background()
	id, err := m.store.InsertOperatorTx(ctx, &model.OperatorTx{
		GameID:      gameID,
		Action:      action,
		Status:      model.TxPending,
		SubmittedAt: m.now(),
	})
	if err != nil {
		m.log.Error("outbox insert failed", zap.Uint64("game", gameID), zap.String("action", action), zap.Error(err))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		hash, err := call(ctx)
		if err != nil {
			m.log.Error("operator submission failed",
				zap.Uint64("game", gameID), zap.String("action", action), zap.Error(err))
			if rerr := m.store.ResolveOperatorTx(ctx, id, model.TxFailed, "", m.now()); rerr != nil {
				m.log.Error("outbox resolve failed", zap.Int64("tx", id), zap.Error(rerr))
			}
			return
		}
		if rerr := m.store.ResolveOperatorTx(ctx, id, model.TxConfirmed, hash, m.now()); rerr != nil {
			m.log.Error("outbox resolve failed", zap.Int64("tx", id), zap.Error(rerr))
		}
		if onConfirm != nil {
			onConfirm(hash)
		}
	}()
}

// playerNumbers builds the address→number lookup used by fan-out payloads.
func (m *Manager) playerNumbers(ctx context.Context, gameID uint64) (map[common.Address]int, error) {
	players, err := m.store.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]int, len(players))
	for _, p := range players {
		out[p.Address] = p.PlayerNumber
	}
	return out, nil
}
