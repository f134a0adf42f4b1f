package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/chainassassin/server/internal/model"
)

const playerColumns = `game_id, address, player_number, is_alive, kills,
	eliminated_at, eliminated_by, checked_in, bluetooth_token,
	last_heartbeat_at, has_claimed`

type PlayerRepo struct {
	db *DB
}

func NewPlayerRepo(db *DB) *PlayerRepo {
	return &PlayerRepo{db: db}
}

// InsertPlayer records a registration. Replayed registrations are no-ops.
func (r *PlayerRepo) InsertPlayer(ctx context.Context, p *model.Player) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO players (game_id, address, player_number, is_alive, checked_in, has_claimed)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (game_id, address) DO NOTHING`,
		p.GameID, p.Address.Hex(), p.PlayerNumber, p.IsAlive, p.CheckedIn, p.HasClaimed)
	return err
}

func (r *PlayerRepo) Player(ctx context.Context, gameID uint64, addr common.Address) (*model.Player, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE game_id = $1 AND address = $2`,
		gameID, addr.Hex())
	p, err := scanPlayer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load player: %w", err)
	}
	return p, nil
}

func (r *PlayerRepo) PlayerByNumber(ctx context.Context, gameID uint64, number int) (*model.Player, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE game_id = $1 AND player_number = $2`,
		gameID, number)
	p, err := scanPlayer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load player #%d: %w", number, err)
	}
	return p, nil
}

func (r *PlayerRepo) Players(ctx context.Context, gameID uint64) ([]model.Player, error) {
	return r.queryPlayers(ctx,
		`SELECT `+playerColumns+` FROM players WHERE game_id = $1 ORDER BY player_number`, gameID)
}

func (r *PlayerRepo) AlivePlayers(ctx context.Context, gameID uint64) ([]model.Player, error) {
	return r.queryPlayers(ctx,
		`SELECT `+playerColumns+` FROM players
		 WHERE game_id = $1 AND is_alive ORDER BY player_number`, gameID)
}

func (r *PlayerRepo) queryPlayers(ctx context.Context, sql string, args ...any) ([]model.Player, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PlayerRepo) SetCheckedIn(ctx context.Context, gameID uint64, addr common.Address, bluetoothToken string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE players SET checked_in = TRUE, bluetooth_token = $3
		 WHERE game_id = $1 AND address = $2`,
		gameID, addr.Hex(), bluetoothToken)
	return err
}

func (r *PlayerRepo) SetBluetoothToken(ctx context.Context, gameID uint64, addr common.Address, token string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE players SET bluetooth_token = $3 WHERE game_id = $1 AND address = $2`,
		gameID, addr.Hex(), token)
	return err
}

func (r *PlayerRepo) MarkEliminated(ctx context.Context, gameID uint64, addr common.Address, eliminatedBy string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE players SET is_alive = FALSE, eliminated_by = $3, eliminated_at = $4
		 WHERE game_id = $1 AND address = $2 AND is_alive`,
		gameID, addr.Hex(), eliminatedBy, at)
	return err
}

func (r *PlayerRepo) IncrementKills(ctx context.Context, gameID uint64, addr common.Address) (int, error) {
	var kills int
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE players SET kills = kills + 1
		 WHERE game_id = $1 AND address = $2 RETURNING kills`,
		gameID, addr.Hex()).Scan(&kills)
	if err != nil {
		return 0, fmt.Errorf("increment kills: %w", err)
	}
	return kills, nil
}

func (r *PlayerRepo) SetHeartbeat(ctx context.Context, gameID uint64, addr common.Address, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE players SET last_heartbeat_at = $3 WHERE game_id = $1 AND address = $2`,
		gameID, addr.Hex(), at)
	return err
}

// InitHeartbeats stamps every alive player at game start so the first
// heartbeat window opens from a common origin.
func (r *PlayerRepo) InitHeartbeats(ctx context.Context, gameID uint64, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE players SET last_heartbeat_at = $2 WHERE game_id = $1 AND is_alive`,
		gameID, at)
	return err
}

func (r *PlayerRepo) SetClaimed(ctx context.Context, gameID uint64, addr common.Address) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE players SET has_claimed = TRUE WHERE game_id = $1 AND address = $2`,
		gameID, addr.Hex())
	return err
}

type playerScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row playerScanner) (*model.Player, error) {
	var (
		p    model.Player
		addr string
	)
	err := row.Scan(
		&p.GameID, &addr, &p.PlayerNumber, &p.IsAlive, &p.Kills,
		&p.EliminatedAt, &p.EliminatedBy, &p.CheckedIn, &p.BluetoothToken,
		&p.LastHeartbeatAt, &p.HasClaimed,
	)
	if err != nil {
		return nil, err
	}
	p.Address = common.HexToAddress(addr)
	return &p, nil
}
