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

// TelemetryRepo persists kills, location pings, and heartbeat scans.
type TelemetryRepo struct {
	db *DB
}

func NewTelemetryRepo(db *DB) *TelemetryRepo {
	return &TelemetryRepo{db: db}
}

func (r *TelemetryRepo) InsertKill(ctx context.Context, k *model.KillRecord) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO kills (
			game_id, hunter, target, killed_at,
			hunter_lat, hunter_lng, target_lat, target_lng,
			distance_meters, tx_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		k.GameID, k.Hunter.Hex(), k.Target.Hex(), k.KilledAt,
		k.HunterLat, k.HunterLng, k.TargetLat, k.TargetLng,
		k.DistanceMeters, k.TxHash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert kill: %w", err)
	}
	return id, nil
}

func (r *TelemetryRepo) SetKillTxHash(ctx context.Context, killID int64, txHash string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE kills SET tx_hash = $2 WHERE id = $1`, killID, txHash)
	return err
}

// UpsertPing appends to the short ping history; a duplicate timestamp for the
// same player overwrites in place.
func (r *TelemetryRepo) UpsertPing(ctx context.Context, p *model.LocationPing) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO location_pings (game_id, address, lat, lng, pinged_at, in_zone)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (game_id, address, pinged_at) DO UPDATE
		   SET lat = EXCLUDED.lat, lng = EXCLUDED.lng, in_zone = EXCLUDED.in_zone`,
		p.GameID, p.Address.Hex(), p.Lat, p.Lng, p.PingedAt, p.InZone)
	return err
}

func (r *TelemetryRepo) LatestPing(ctx context.Context, gameID uint64, addr common.Address) (*model.LocationPing, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT game_id, address, lat, lng, pinged_at, in_zone
		 FROM location_pings
		 WHERE game_id = $1 AND address = $2
		 ORDER BY pinged_at DESC LIMIT 1`,
		gameID, addr.Hex())
	p, err := scanPing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ping: %w", err)
	}
	return p, nil
}

// LatestPings returns each player's most recent ping.
func (r *TelemetryRepo) LatestPings(ctx context.Context, gameID uint64) ([]model.LocationPing, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT ON (address) game_id, address, lat, lng, pinged_at, in_zone
		 FROM location_pings
		 WHERE game_id = $1
		 ORDER BY address, pinged_at DESC`,
		gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LocationPing
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *TelemetryRepo) PrunePings(ctx context.Context, gameID uint64, olderThan time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM location_pings WHERE game_id = $1 AND pinged_at < $2`,
		gameID, olderThan)
	return err
}

func (r *TelemetryRepo) InsertHeartbeat(ctx context.Context, h *model.HeartbeatScan) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO heartbeat_scans (game_id, scanner, scanned, scanned_at)
		 VALUES ($1, $2, $3, $4)`,
		h.GameID, h.Scanner.Hex(), h.Scanned.Hex(), h.ScannedAt)
	return err
}

type pingScanner interface {
	Scan(dest ...any) error
}

func scanPing(row pingScanner) (*model.LocationPing, error) {
	var (
		p    model.LocationPing
		addr string
	)
	if err := row.Scan(&p.GameID, &addr, &p.Lat, &p.Lng, &p.PingedAt, &p.InZone); err != nil {
		return nil, err
	}
	p.Address = common.HexToAddress(addr)
	return &p, nil
}
