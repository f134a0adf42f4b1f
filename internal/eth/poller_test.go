package eth

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/model"
)

type recordingHandler struct {
	created    []*model.Game
	shrinks    [][]model.ZoneShrink
	registered []string
	started    []uint64
	ended      []uint64
	cancelled  []uint64
	claims     []common.Address
}

func (h *recordingHandler) HandleGameCreated(_ context.Context, g *model.Game, s []model.ZoneShrink) error {
	h.created = append(h.created, g)
	h.shrinks = append(h.shrinks, s)
	return nil
}

func (h *recordingHandler) HandlePlayerRegistered(_ context.Context, gameID uint64, addr common.Address, number int, total string) error {
	h.registered = append(h.registered, addr.Hex())
	return nil
}

func (h *recordingHandler) HandleGameStarted(_ context.Context, gameID uint64, _ time.Time) error {
	h.started = append(h.started, gameID)
	return nil
}

func (h *recordingHandler) HandleGameEnded(_ context.Context, gameID uint64, _, _, _, _ int) error {
	h.ended = append(h.ended, gameID)
	return nil
}

func (h *recordingHandler) HandleGameCancelled(_ context.Context, gameID uint64) error {
	h.cancelled = append(h.cancelled, gameID)
	return nil
}

func (h *recordingHandler) HandleClaim(_ context.Context, _ uint64, addr common.Address) error {
	h.claims = append(h.claims, addr)
	return nil
}

func testPoller(t *testing.T) (*Poller, *recordingHandler) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	require.NoError(t, err)
	c := &Client{abi: parsed, contract: common.HexToAddress("0xBEEF"), log: zap.NewNop()}
	h := &recordingHandler{}
	return NewPoller(c, nil, h, zap.NewNop()), h
}

func packEvent(t *testing.T, p *Poller, name string, topics []common.Hash, args ...any) types.Log {
	t.Helper()
	ev := p.c.abi.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Address: p.c.contract,
		Topics:  append([]common.Hash{ev.ID}, topics...),
		Data:    data,
	}
}

func TestDispatchGameCreated(t *testing.T) {
	p, h := testPoller(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	lg := packEvent(t, p, "GameCreated",
		[]common.Hash{common.BigToHash(big.NewInt(7))},
		"berlin mitte", big.NewInt(10_000_000_000_000_000),
		uint32(3), uint32(50),
		uint64(now.Unix()), uint64(now.Add(time.Hour).Unix()), uint64(now.Add(4*time.Hour).Unix()),
		uint64(7200),
		[4]int64{52520000, 13405000, 52520100, 13405100},
		[5]uint16{3500, 1500, 1000, 2000, 1000},
		[]uint32{0, 900}, []uint32{2000, 1000},
	)
	require.NoError(t, p.dispatch(context.Background(), lg))

	require.Len(t, h.created, 1)
	g := h.created[0]
	assert.Equal(t, uint64(7), g.ID)
	assert.Equal(t, "berlin mitte", g.Title)
	assert.Equal(t, "10000000000000000", g.EntryFeeWei)
	assert.Equal(t, 3, g.MinPlayers)
	assert.Equal(t, int64(52520000), g.CenterLat)
	assert.Equal(t, int64(13405100), g.MeetingLng)
	assert.Equal(t, 2*time.Hour, g.MaxDuration)
	assert.Equal(t, uint16(2000), g.Split.Kills)
	require.Len(t, h.shrinks[0], 2)
	assert.Equal(t, 900, h.shrinks[0][1].AtSecond)
	assert.Equal(t, float64(1000), h.shrinks[0][1].RadiusMeters)
}

func TestDispatchPlayerAndLifecycle(t *testing.T) {
	p, h := testPoller(t)
	player := common.HexToAddress("0x00000000000000000000000000000000000000AA")
	gameTopic := common.BigToHash(big.NewInt(7))

	lg := packEvent(t, p, "PlayerRegistered",
		[]common.Hash{gameTopic, common.BytesToHash(player.Bytes())},
		uint32(1), big.NewInt(10_000_000_000_000_000))
	require.NoError(t, p.dispatch(context.Background(), lg))
	require.Equal(t, []string{player.Hex()}, h.registered)

	lg = packEvent(t, p, "GameStarted", []common.Hash{gameTopic}, uint64(1000))
	require.NoError(t, p.dispatch(context.Background(), lg))
	assert.Equal(t, []uint64{7}, h.started)

	lg = packEvent(t, p, "GameEnded", []common.Hash{gameTopic},
		uint32(1), uint32(2), uint32(3), uint32(1))
	require.NoError(t, p.dispatch(context.Background(), lg))
	assert.Equal(t, []uint64{7}, h.ended)

	lg = packEvent(t, p, "GameCancelled", []common.Hash{gameTopic})
	require.NoError(t, p.dispatch(context.Background(), lg))
	assert.Equal(t, []uint64{7}, h.cancelled)

	lg = packEvent(t, p, "RefundClaimed",
		[]common.Hash{gameTopic, common.BytesToHash(player.Bytes())}, big.NewInt(5))
	require.NoError(t, p.dispatch(context.Background(), lg))
	assert.Equal(t, []common.Address{player}, h.claims)

	// Unknown topics and reorged logs are skipped.
	require.NoError(t, p.dispatch(context.Background(), types.Log{
		Topics: []common.Hash{common.HexToHash("0x1234"), gameTopic},
	}))
}
