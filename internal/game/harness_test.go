package game

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/config"
	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/qr"
	"github.com/chainassassin/server/internal/ws"
)

// Meeting point used by every scenario, in degrees.
const (
	meetLat = 52.5200
	meetLng = 13.4050
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeOperator records settlement calls and answers with canned hashes.
type fakeOperator struct {
	clock *fakeClock

	mu    sync.Mutex
	phase model.Phase
	calls []string // "action:gameID"
}

func newFakeOperator(clock *fakeClock) *fakeOperator {
	return &fakeOperator{clock: clock, phase: model.PhaseRegistration}
}

func (o *fakeOperator) record(action string, gameID uint64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, fmt.Sprintf("%s:%d", action, gameID))
	return fmt.Sprintf("0x%s%d", action, len(o.calls)), nil
}

func (o *fakeOperator) count(action string, gameID uint64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	want := fmt.Sprintf("%s:%d", action, gameID)
	for _, c := range o.calls {
		if c == want {
			n++
		}
	}
	return n
}

func (o *fakeOperator) StartGame(_ context.Context, gameID uint64) (string, error) {
	return o.record("startGame", gameID)
}

func (o *fakeOperator) RecordKill(_ context.Context, gameID uint64, _, _ int) (string, error) {
	return o.record("recordKill", gameID)
}

func (o *fakeOperator) EliminatePlayer(_ context.Context, gameID uint64, _ int, _ string) (string, error) {
	return o.record("eliminatePlayer", gameID)
}

func (o *fakeOperator) EndGame(_ context.Context, gameID uint64, _, _, _, _ int) (string, error) {
	return o.record("endGame", gameID)
}

func (o *fakeOperator) TriggerCancellation(_ context.Context, gameID uint64) (string, error) {
	return o.record("triggerCancellation", gameID)
}

func (o *fakeOperator) TriggerExpiry(_ context.Context, gameID uint64) (string, error) {
	return o.record("triggerExpiry", gameID)
}

func (o *fakeOperator) GamePhase(_ context.Context, _ uint64) (model.Phase, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase, nil
}

func (o *fakeOperator) BlockTime(_ context.Context) (time.Time, error) {
	return o.clock.Now(), nil
}

// fakeBroadcaster records every frame per room.
type fakeBroadcaster struct {
	mu         sync.Mutex
	broadcasts map[uint64][]ws.Message
	perPlayer  map[uint64]map[common.Address][]ws.Message
	spectator  map[uint64][]ws.Message
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		broadcasts: make(map[uint64][]ws.Message),
		perPlayer:  make(map[uint64]map[common.Address][]ws.Message),
		spectator:  make(map[uint64][]ws.Message),
	}
}

func (b *fakeBroadcaster) Broadcast(gameID uint64, msg ws.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts[gameID] = append(b.broadcasts[gameID], msg)
}

func (b *fakeBroadcaster) SendToPlayer(gameID uint64, addr common.Address, msg ws.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.perPlayer[gameID]
	if !ok {
		room = make(map[common.Address][]ws.Message)
		b.perPlayer[gameID] = room
	}
	room[addr] = append(room[addr], msg)
}

func (b *fakeBroadcaster) SendToSpectators(gameID uint64, msg ws.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spectator[gameID] = append(b.spectator[gameID], msg)
}

func (b *fakeBroadcaster) broadcastCount(gameID uint64, typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.broadcasts[gameID] {
		if m.MessageType() == typ {
			n++
		}
	}
	return n
}

func (b *fakeBroadcaster) playerCount(gameID uint64, addr common.Address, typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.perPlayer[gameID][addr] {
		if m.MessageType() == typ {
			n++
		}
	}
	return n
}

func (b *fakeBroadcaster) lastPlayerMsg(gameID uint64, addr common.Address, typ string) ws.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.perPlayer[gameID][addr]) - 1; i >= 0; i-- {
		if m := b.perPlayer[gameID][addr][i]; m.MessageType() == typ {
			return m
		}
	}
	return nil
}

func (b *fakeBroadcaster) spectatorCount(gameID uint64, typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.spectator[gameID] {
		if m.MessageType() == typ {
			n++
		}
	}
	return n
}

func testCfg() config.GameConfig {
	return config.GameConfig{
		CheckinDuration:           30 * time.Second,
		CheckinMonitorInterval:    100 * time.Millisecond,
		PregameDuration:           40 * time.Millisecond,
		ZoneGrace:                 60 * time.Second,
		KillProximityMeters:       500,
		HeartbeatProximityMeters:  100,
		HeartbeatInterval:         60 * time.Second,
		HeartbeatDisableThreshold: 2,
		BLERequired:               true,
		StrictProof:               true,
		CheckinRadiusMeters:       5000,
		AutoSeedInterval:          15 * time.Millisecond,
		PingRetention:             300 * time.Second,
		SpectatorFrameInterval:    15 * time.Millisecond,
	}
}

type harness struct {
	t     *testing.T
	m     *Manager
	store *memStore
	op    *fakeOperator
	bc    *fakeBroadcaster
	clock *fakeClock
	ctx   context.Context
}

func newHarness(t *testing.T, cfg config.GameConfig) *harness {
	t.Helper()
	clock := newFakeClock()
	store := newMemStore()
	op := newFakeOperator(clock)
	bc := newFakeBroadcaster()
	m := NewManager(store, op, bc, cfg, zap.NewNop())
	m.now = clock.Now
	t.Cleanup(m.Close)
	return &harness{t: t, m: m, store: store, op: op, bc: bc, clock: clock, ctx: context.Background()}
}

func playerAddr(n int) common.Address {
	var a common.Address
	a[18] = byte(n >> 8)
	a[19] = byte(n)
	return a
}

// newGame builds a REGISTRATION game anchored on the shared meeting point.
func (h *harness) newGame(id uint64, minPlayers int, simulated bool, shrinks []model.ZoneShrink) *model.Game {
	h.t.Helper()
	now := h.clock.Now()
	g := &model.Game{
		ID:                   id,
		Title:                fmt.Sprintf("game-%d", id),
		EntryFeeWei:          "10000000000000000",
		MinPlayers:           minPlayers,
		MaxPlayers:           10,
		RegistrationDeadline: now.Add(time.Hour),
		GameDate:             now.Add(2 * time.Hour),
		ExpiryDeadline:       now.Add(4 * time.Hour),
		MaxDuration:          2 * time.Hour,
		CenterLat:            geo.ToFixed(meetLat),
		CenterLng:            geo.ToFixed(meetLng),
		MeetingLat:           geo.ToFixed(meetLat),
		MeetingLng:           geo.ToFixed(meetLng),
		Split:                model.PrizeSplit{First: 3500, Second: 1500, Third: 1000, Kills: 2000, Creator: 1000},
		Simulated:            simulated,
	}
	require.NoError(h.t, h.m.HandleGameCreated(h.ctx, g, shrinks))
	return g
}

func (h *harness) register(gameID uint64, n int) []common.Address {
	h.t.Helper()
	addrs := make([]common.Address, n)
	for i := 0; i < n; i++ {
		addrs[i] = playerAddr(i + 1)
		require.NoError(h.t, h.m.HandlePlayerRegistered(h.ctx, gameID, addrs[i], i+1, fmt.Sprintf("%d", i+1)))
	}
	return addrs
}

// pingAt reports a position slightly offset from the meeting point.
func (h *harness) pingAt(gameID uint64, addr common.Address, lat, lng float64) {
	h.t.Helper()
	kind, err := h.m.Location(h.ctx, gameID, addr, lat, lng, h.clock.Now())
	require.NoError(h.t, err)
	require.Empty(h.t, string(kind))
}

// token returns the Bluetooth token a test assigns to a player.
func token(n int) string {
	return fmt.Sprintf("AA:BB:CC:00:00:%02X", n)
}

func qrFor(gameID uint64, playerNumber int) string {
	return qr.Encode(gameID, playerNumber)
}

// waitFor polls until cond holds; background loops run on real time.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
