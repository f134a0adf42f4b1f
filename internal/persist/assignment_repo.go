package persist

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainassassin/server/internal/hunt"
)

type AssignmentRepo struct {
	db *DB
}

func NewAssignmentRepo(db *DB) *AssignmentRepo {
	return &AssignmentRepo{db: db}
}

func (r *AssignmentRepo) Assignments(ctx context.Context, gameID uint64) ([]hunt.Pair, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT hunter, target FROM target_assignments WHERE game_id = $1`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hunt.Pair
	for rows.Next() {
		var hunter, target string
		if err := rows.Scan(&hunter, &target); err != nil {
			return nil, err
		}
		out = append(out, hunt.Pair{
			Hunter: common.HexToAddress(hunter),
			Target: common.HexToAddress(target),
		})
	}
	return out, rows.Err()
}

// ReplaceAssignments swaps the full chain in one transaction.
func (r *AssignmentRepo) ReplaceAssignments(ctx context.Context, gameID uint64, pairs []hunt.Pair) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace assignments begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM target_assignments WHERE game_id = $1`, gameID,
	); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}
	for _, p := range pairs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO target_assignments (game_id, hunter, target, assigned_at)
			 VALUES ($1, $2, $3, now())`,
			gameID, p.Hunter.Hex(), p.Target.Hex(),
		); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// RewireAssignments applies one elimination's edge changes atomically: the
// removed hunters' rows go away and the surviving hunter gets a new target.
func (r *AssignmentRepo) RewireAssignments(ctx context.Context, gameID uint64, deleteHunters []common.Address, set []hunt.Pair) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rewire begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, h := range deleteHunters {
		if _, err := tx.Exec(ctx,
			`DELETE FROM target_assignments WHERE game_id = $1 AND hunter = $2`,
			gameID, h.Hex(),
		); err != nil {
			return fmt.Errorf("delete assignment: %w", err)
		}
	}
	for _, p := range set {
		if _, err := tx.Exec(ctx,
			`INSERT INTO target_assignments (game_id, hunter, target, assigned_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (game_id, hunter) DO UPDATE
			   SET target = EXCLUDED.target, assigned_at = EXCLUDED.assigned_at`,
			gameID, p.Hunter.Hex(), p.Target.Hex(),
		); err != nil {
			return fmt.Errorf("upsert assignment: %w", err)
		}
	}
	return tx.Commit(ctx)
}
