package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/chainassassin/server/internal/model"
)

// OutboxRepo is the settlement write-ahead log: every operator transaction is
// recorded pending before submission and resolved after confirmation, so a
// crash between the two leaves an auditable orphan instead of silent loss.
type OutboxRepo struct {
	db *DB
}

func NewOutboxRepo(db *DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

func (r *OutboxRepo) InsertOperatorTx(ctx context.Context, tx *model.OperatorTx) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO operator_txs (game_id, action, status, tx_hash, submitted_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		tx.GameID, tx.Action, tx.Status, tx.TxHash, tx.SubmittedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert operator tx: %w", err)
	}
	return id, nil
}

func (r *OutboxRepo) ResolveOperatorTx(ctx context.Context, id int64, status, txHash string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE operator_txs SET status = $2, tx_hash = $3, resolved_at = $4 WHERE id = $1`,
		id, status, txHash, at)
	return err
}

// StalePendingTxs returns pending rows submitted before the given cutoff.
// At boot the cutoff is "now": any row still pending belonged to the previous
// process and will never resolve on its own.
func (r *OutboxRepo) StalePendingTxs(ctx context.Context, olderThan time.Time) ([]model.OperatorTx, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, game_id, action, status, tx_hash, submitted_at, resolved_at
		 FROM operator_txs
		 WHERE status = $1 AND submitted_at < $2
		 ORDER BY id`,
		model.TxPending, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OperatorTx
	for rows.Next() {
		var t model.OperatorTx
		if err := rows.Scan(
			&t.ID, &t.GameID, &t.Action, &t.Status, &t.TxHash, &t.SubmittedAt, &t.ResolvedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
