// Package persist is the PostgreSQL layer. One repo per table group; Store
// aggregates them behind the coordinator's persistence interface. Single-row
// lookups return (nil, nil) when the row does not exist.
package persist

import (
	"github.com/chainassassin/server/internal/game"
)

// Store composes the repos into the coordinator's full persistence surface.
type Store struct {
	*GameRepo
	*PlayerRepo
	*AssignmentRepo
	*TelemetryRepo
	*OutboxRepo
}

var _ game.Store = (*Store)(nil)

func NewStore(db *DB) *Store {
	return &Store{
		GameRepo:       NewGameRepo(db),
		PlayerRepo:     NewPlayerRepo(db),
		AssignmentRepo: NewAssignmentRepo(db),
		TelemetryRepo:  NewTelemetryRepo(db),
		OutboxRepo:     NewOutboxRepo(db),
	}
}
