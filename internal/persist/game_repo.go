package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/rank"
)

const gameColumns = `id, title, entry_fee_wei, min_players, max_players,
	registration_deadline, game_date, expiry_deadline, max_duration_secs,
	center_lat, center_lng, meeting_lat, meeting_lng,
	split_first, split_second, split_third, split_kills, split_creator,
	player_count, total_collected, phase, sub_phase,
	started_at, sub_phase_started_at, ended_at,
	winner1, winner2, winner3, top_killer, simulated`

type GameRepo struct {
	db *DB
}

func NewGameRepo(db *DB) *GameRepo {
	return &GameRepo{db: db}
}

// CreateGame inserts the game row and its shrink schedule in one transaction.
// Re-inserting an existing game is a no-op so event replay stays idempotent.
func (r *GameRepo) CreateGame(ctx context.Context, g *model.Game, shrinks []model.ZoneShrink) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create game begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO games (
			id, title, entry_fee_wei, min_players, max_players,
			registration_deadline, game_date, expiry_deadline, max_duration_secs,
			center_lat, center_lng, meeting_lat, meeting_lng,
			split_first, split_second, split_third, split_kills, split_creator,
			player_count, total_collected, phase, sub_phase, simulated
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
			$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
		) ON CONFLICT (id) DO NOTHING`,
		g.ID, g.Title, g.EntryFeeWei, g.MinPlayers, g.MaxPlayers,
		g.RegistrationDeadline, g.GameDate, g.ExpiryDeadline, int64(g.MaxDuration/time.Second),
		g.CenterLat, g.CenterLng, g.MeetingLat, g.MeetingLng,
		g.Split.First, g.Split.Second, g.Split.Third, g.Split.Kills, g.Split.Creator,
		g.PlayerCount, g.TotalCollected, string(g.Phase), string(g.SubPhase), g.Simulated,
	)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	for _, s := range shrinks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO zone_shrinks (game_id, at_second, radius_meters) VALUES ($1, $2, $3)`,
			g.ID, s.AtSecond, s.RadiusMeters,
		); err != nil {
			return fmt.Errorf("insert shrink: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *GameRepo) Game(ctx context.Context, id uint64) (*model.Game, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, id)
	g, err := scanGame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load game %d: %w", id, err)
	}
	return g, nil
}

func (r *GameRepo) GamesInPhase(ctx context.Context, phase model.Phase) ([]*model.Game, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+gameColumns+` FROM games WHERE phase = $1 ORDER BY id`, string(phase))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *GameRepo) Shrinks(ctx context.Context, gameID uint64) ([]model.ZoneShrink, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT at_second, radius_meters FROM zone_shrinks
		 WHERE game_id = $1 ORDER BY at_second`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ZoneShrink
	for rows.Next() {
		var s model.ZoneShrink
		if err := rows.Scan(&s.AtSecond, &s.RadiusMeters); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *GameRepo) UpdateCounters(ctx context.Context, gameID uint64, playerCount int, totalCollected string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE games SET player_count = $2, total_collected = $3 WHERE id = $1`,
		gameID, playerCount, totalCollected)
	return err
}

func (r *GameRepo) EnterActive(ctx context.Context, gameID uint64, startedAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE games SET phase = $2, sub_phase = $3, started_at = $4, sub_phase_started_at = $4
		 WHERE id = $1`,
		gameID, string(model.PhaseActive), string(model.SubPhaseCheckin), startedAt)
	return err
}

func (r *GameRepo) SetSubPhase(ctx context.Context, gameID uint64, sub model.SubPhase, startedAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE games SET sub_phase = $2, sub_phase_started_at = $3 WHERE id = $1`,
		gameID, string(sub), startedAt)
	return err
}

func (r *GameRepo) SetEnded(ctx context.Context, gameID uint64, w rank.Winners, endedAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE games SET phase = $2, sub_phase = '', ended_at = $3,
			winner1 = $4, winner2 = $5, winner3 = $6, top_killer = $7
		 WHERE id = $1`,
		gameID, string(model.PhaseEnded), endedAt,
		w.First.Hex(), w.Second.Hex(), w.Third.Hex(), w.TopKiller.Hex())
	return err
}

func (r *GameRepo) SetCancelled(ctx context.Context, gameID uint64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE games SET phase = $2, sub_phase = '' WHERE id = $1`,
		gameID, string(model.PhaseCancelled))
	return err
}

// Cursor returns the last block the event poller finished, zero when the
// coordinator has never synced.
func (r *GameRepo) Cursor(ctx context.Context) (uint64, error) {
	var block uint64
	err := r.db.Pool.QueryRow(ctx, `SELECT block_number FROM sync_cursor`).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return block, nil
}

func (r *GameRepo) SetCursor(ctx context.Context, block uint64) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO sync_cursor (id, block_number) VALUES (TRUE, $1)
		 ON CONFLICT (id) DO UPDATE SET block_number = EXCLUDED.block_number`,
		block)
	return err
}

type gameScanner interface {
	Scan(dest ...any) error
}

func scanGame(row gameScanner) (*model.Game, error) {
	var (
		g            model.Game
		durationSecs int64
		phase, sub   string
		w1, w2, w3   string
		topKiller    string
	)
	err := row.Scan(
		&g.ID, &g.Title, &g.EntryFeeWei, &g.MinPlayers, &g.MaxPlayers,
		&g.RegistrationDeadline, &g.GameDate, &g.ExpiryDeadline, &durationSecs,
		&g.CenterLat, &g.CenterLng, &g.MeetingLat, &g.MeetingLng,
		&g.Split.First, &g.Split.Second, &g.Split.Third, &g.Split.Kills, &g.Split.Creator,
		&g.PlayerCount, &g.TotalCollected, &phase, &sub,
		&g.StartedAt, &g.SubPhaseStartedAt, &g.EndedAt,
		&w1, &w2, &w3, &topKiller, &g.Simulated,
	)
	if err != nil {
		return nil, err
	}
	g.MaxDuration = time.Duration(durationSecs) * time.Second
	g.Phase = model.Phase(phase)
	g.SubPhase = model.SubPhase(sub)
	g.Winner1 = common.HexToAddress(w1)
	g.Winner2 = common.HexToAddress(w2)
	g.Winner3 = common.HexToAddress(w3)
	g.TopKiller = common.HexToAddress(topKiller)
	return &g, nil
}
