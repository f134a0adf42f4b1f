package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/model"
)

// Handler receives contract events in block order. *game.Manager satisfies it.
type Handler interface {
	HandleGameCreated(ctx context.Context, g *model.Game, shrinks []model.ZoneShrink) error
	HandlePlayerRegistered(ctx context.Context, gameID uint64, addr common.Address, playerNumber int, totalCollected string) error
	HandleGameStarted(ctx context.Context, gameID uint64, startedAt time.Time) error
	HandleGameEnded(ctx context.Context, gameID uint64, w1, w2, w3, topKiller int) error
	HandleGameCancelled(ctx context.Context, gameID uint64) error
	HandleClaim(ctx context.Context, gameID uint64, addr common.Address) error
}

// CursorStore persists the last fully processed block.
type CursorStore interface {
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, block uint64) error
}

// One FilterLogs window; bounds the query when catching up from far behind.
const maxBlockRange = 2000

// Poller drives the event stream: it filters contract logs from the persisted
// cursor forward, dispatches them in order, and advances the cursor only after
// a block's events have all been applied. A handler error stops the current
// window; the next poll retries from the same place.
type Poller struct {
	c       *Client
	store   CursorStore
	handler Handler
	log     *zap.Logger
}

func NewPoller(c *Client, store CursorStore, handler Handler, log *zap.Logger) *Poller {
	return &Poller{c: c, store: store, handler: handler, log: log}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.sync(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("event sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) sync(ctx context.Context) error {
	cursor, err := p.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	from := cursor + 1
	if cursor == 0 && p.c.cfg.StartBlock > 0 {
		from = p.c.cfg.StartBlock
	}

	latest, err := p.c.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if from > latest {
		return nil
	}
	to := latest
	if to-from >= maxBlockRange {
		to = from + maxBlockRange - 1
	}

	logs, err := p.c.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{p.c.contract},
	})
	if err != nil {
		return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	for i, lg := range logs {
		if lg.Removed {
			continue
		}
		if err := p.dispatch(ctx, lg); err != nil {
			return fmt.Errorf("block %d log %d: %w", lg.BlockNumber, lg.Index, err)
		}
		lastOfBlock := i+1 == len(logs) || logs[i+1].BlockNumber != lg.BlockNumber
		if lastOfBlock {
			if err := p.store.SetCursor(ctx, lg.BlockNumber); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
		}
	}
	return p.store.SetCursor(ctx, to)
}

func (p *Poller) dispatch(ctx context.Context, lg types.Log) error {
	if len(lg.Topics) < 2 {
		return nil
	}
	gameID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()

	switch lg.Topics[0] {
	case p.c.abi.Events["GameCreated"].ID:
		return p.onGameCreated(ctx, gameID, lg)

	case p.c.abi.Events["PlayerRegistered"].ID:
		var ev struct {
			PlayerNumber   uint32
			TotalCollected *big.Int
		}
		if err := p.c.abi.UnpackIntoInterface(&ev, "PlayerRegistered", lg.Data); err != nil {
			return fmt.Errorf("unpack PlayerRegistered: %w", err)
		}
		addr := common.BytesToAddress(lg.Topics[2].Bytes())
		return p.handler.HandlePlayerRegistered(ctx, gameID, addr, int(ev.PlayerNumber), ev.TotalCollected.String())

	case p.c.abi.Events["GameStarted"].ID:
		var ev struct{ StartedAt uint64 }
		if err := p.c.abi.UnpackIntoInterface(&ev, "GameStarted", lg.Data); err != nil {
			return fmt.Errorf("unpack GameStarted: %w", err)
		}
		return p.handler.HandleGameStarted(ctx, gameID, time.Unix(int64(ev.StartedAt), 0).UTC())

	case p.c.abi.Events["GameEnded"].ID:
		var ev struct{ Winner1, Winner2, Winner3, TopKiller uint32 }
		if err := p.c.abi.UnpackIntoInterface(&ev, "GameEnded", lg.Data); err != nil {
			return fmt.Errorf("unpack GameEnded: %w", err)
		}
		return p.handler.HandleGameEnded(ctx, gameID,
			int(ev.Winner1), int(ev.Winner2), int(ev.Winner3), int(ev.TopKiller))

	case p.c.abi.Events["GameCancelled"].ID:
		return p.handler.HandleGameCancelled(ctx, gameID)

	case p.c.abi.Events["PrizeClaimed"].ID, p.c.abi.Events["RefundClaimed"].ID:
		addr := common.BytesToAddress(lg.Topics[2].Bytes())
		return p.handler.HandleClaim(ctx, gameID, addr)
	}
	return nil
}

func (p *Poller) onGameCreated(ctx context.Context, gameID uint64, lg types.Log) error {
	var ev struct {
		Title                string
		EntryFee             *big.Int
		MinPlayers           uint32
		MaxPlayers           uint32
		RegistrationDeadline uint64
		GameDate             uint64
		ExpiryDeadline       uint64
		MaxDurationSecs      uint64
		Geo                  [4]int64
		Split                [5]uint16
		ShrinkAtSecs         []uint32
		ShrinkRadiusM        []uint32
	}
	if err := p.c.abi.UnpackIntoInterface(&ev, "GameCreated", lg.Data); err != nil {
		return fmt.Errorf("unpack GameCreated: %w", err)
	}
	if len(ev.ShrinkAtSecs) != len(ev.ShrinkRadiusM) {
		return fmt.Errorf("GameCreated %d: shrink arrays disagree (%d vs %d)",
			gameID, len(ev.ShrinkAtSecs), len(ev.ShrinkRadiusM))
	}

	g := &model.Game{
		ID:                   gameID,
		Title:                ev.Title,
		EntryFeeWei:          ev.EntryFee.String(),
		MinPlayers:           int(ev.MinPlayers),
		MaxPlayers:           int(ev.MaxPlayers),
		RegistrationDeadline: time.Unix(int64(ev.RegistrationDeadline), 0).UTC(),
		GameDate:             time.Unix(int64(ev.GameDate), 0).UTC(),
		ExpiryDeadline:       time.Unix(int64(ev.ExpiryDeadline), 0).UTC(),
		MaxDuration:          time.Duration(ev.MaxDurationSecs) * time.Second,
		CenterLat:            ev.Geo[0],
		CenterLng:            ev.Geo[1],
		MeetingLat:           ev.Geo[2],
		MeetingLng:           ev.Geo[3],
		Split: model.PrizeSplit{
			First:   ev.Split[0],
			Second:  ev.Split[1],
			Third:   ev.Split[2],
			Kills:   ev.Split[3],
			Creator: ev.Split[4],
		},
		TotalCollected: "0",
	}
	shrinks := make([]model.ZoneShrink, len(ev.ShrinkAtSecs))
	for i := range ev.ShrinkAtSecs {
		shrinks[i] = model.ZoneShrink{
			AtSecond:     int(ev.ShrinkAtSecs[i]),
			RadiusMeters: float64(ev.ShrinkRadiusM[i]),
		}
	}
	return p.handler.HandleGameCreated(ctx, g, shrinks)
}
