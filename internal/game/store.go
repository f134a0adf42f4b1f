package game

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainassassin/server/internal/hunt"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/rank"
)

// Store is the full persistence surface the coordinator needs. The Postgres
// implementation lives in internal/persist; tests use an in-memory one.
// It embeds hunt.Store so the target chain persists through the same handle.
type Store interface {
	hunt.Store

	// Games
	CreateGame(ctx context.Context, g *model.Game, shrinks []model.ZoneShrink) error
	Game(ctx context.Context, id uint64) (*model.Game, error)
	GamesInPhase(ctx context.Context, phase model.Phase) ([]*model.Game, error)
	Shrinks(ctx context.Context, gameID uint64) ([]model.ZoneShrink, error)
	UpdateCounters(ctx context.Context, gameID uint64, playerCount int, totalCollected string) error
	EnterActive(ctx context.Context, gameID uint64, startedAt time.Time) error
	SetSubPhase(ctx context.Context, gameID uint64, sub model.SubPhase, startedAt time.Time) error
	SetEnded(ctx context.Context, gameID uint64, w rank.Winners, endedAt time.Time) error
	SetCancelled(ctx context.Context, gameID uint64) error

	// Players
	InsertPlayer(ctx context.Context, p *model.Player) error
	Player(ctx context.Context, gameID uint64, addr common.Address) (*model.Player, error)
	PlayerByNumber(ctx context.Context, gameID uint64, number int) (*model.Player, error)
	Players(ctx context.Context, gameID uint64) ([]model.Player, error)
	AlivePlayers(ctx context.Context, gameID uint64) ([]model.Player, error)
	SetCheckedIn(ctx context.Context, gameID uint64, addr common.Address, bluetoothToken string) error
	SetBluetoothToken(ctx context.Context, gameID uint64, addr common.Address, token string) error
	MarkEliminated(ctx context.Context, gameID uint64, addr common.Address, eliminatedBy string, at time.Time) error
	IncrementKills(ctx context.Context, gameID uint64, addr common.Address) (int, error)
	SetHeartbeat(ctx context.Context, gameID uint64, addr common.Address, at time.Time) error
	InitHeartbeats(ctx context.Context, gameID uint64, at time.Time) error
	SetClaimed(ctx context.Context, gameID uint64, addr common.Address) error

	// Assignments (reads; writes go through hunt.Store)
	Assignments(ctx context.Context, gameID uint64) ([]hunt.Pair, error)

	// Kills
	InsertKill(ctx context.Context, k *model.KillRecord) (int64, error)
	SetKillTxHash(ctx context.Context, killID int64, txHash string) error

	// Location pings
	UpsertPing(ctx context.Context, p *model.LocationPing) error
	LatestPing(ctx context.Context, gameID uint64, addr common.Address) (*model.LocationPing, error)
	LatestPings(ctx context.Context, gameID uint64) ([]model.LocationPing, error)
	PrunePings(ctx context.Context, gameID uint64, olderThan time.Time) error

	// Heartbeat scans
	InsertHeartbeat(ctx context.Context, h *model.HeartbeatScan) error

	// Operator outbox
	InsertOperatorTx(ctx context.Context, tx *model.OperatorTx) (int64, error)
	ResolveOperatorTx(ctx context.Context, id int64, status, txHash string, at time.Time) error
	StalePendingTxs(ctx context.Context, olderThan time.Time) ([]model.OperatorTx, error)

	// Chain sync cursor
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, block uint64) error
}

// Operator is the narrow settlement-contract surface. Implementations submit
// a transaction, wait for confirmation, and return its hash. The coordinator
// wraps every call in the outbox and never blocks a request path on it.
type Operator interface {
	StartGame(ctx context.Context, gameID uint64) (string, error)
	RecordKill(ctx context.Context, gameID uint64, hunterNumber, targetNumber int) (string, error)
	EliminatePlayer(ctx context.Context, gameID uint64, playerNumber int, reason string) (string, error)
	EndGame(ctx context.Context, gameID uint64, w1, w2, w3, topKiller int) (string, error)
	TriggerCancellation(ctx context.Context, gameID uint64) (string, error)
	TriggerExpiry(ctx context.Context, gameID uint64) (string, error)

	// GamePhase re-reads the on-chain phase (duplicate-cancellation guard).
	GamePhase(ctx context.Context, gameID uint64) (model.Phase, error)
	// BlockTime returns the latest chain timestamp; deadlines compare against
	// chain time, not wall time.
	BlockTime(ctx context.Context) (time.Time, error)
}
