package game

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainassassin/server/internal/hunt"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/rank"
)

// memStore is the in-memory Store used by coordinator tests. Guarded by one
// mutex since background loops touch it concurrently.
type memStore struct {
	mu          sync.Mutex
	games       map[uint64]*model.Game
	shrinks     map[uint64][]model.ZoneShrink
	players     map[uint64]map[common.Address]*model.Player
	assignments map[uint64]map[common.Address]common.Address
	kills       map[int64]*model.KillRecord
	nextKillID  int64
	pings       map[uint64]map[common.Address]*model.LocationPing
	heartbeats  []model.HeartbeatScan
	outbox      map[int64]*model.OperatorTx
	nextTxID    int64
	cursor      uint64
}

func newMemStore() *memStore {
	return &memStore{
		games:       make(map[uint64]*model.Game),
		shrinks:     make(map[uint64][]model.ZoneShrink),
		players:     make(map[uint64]map[common.Address]*model.Player),
		assignments: make(map[uint64]map[common.Address]common.Address),
		kills:       make(map[int64]*model.KillRecord),
		pings:       make(map[uint64]map[common.Address]*model.LocationPing),
		outbox:      make(map[int64]*model.OperatorTx),
	}
}

func (s *memStore) CreateGame(_ context.Context, g *model.Game, shrinks []model.ZoneShrink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.games[g.ID] = &cp
	s.shrinks[g.ID] = append([]model.ZoneShrink(nil), shrinks...)
	return nil
}

func (s *memStore) Game(_ context.Context, id uint64) (*model.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *memStore) GamesInPhase(_ context.Context, phase model.Phase) ([]*model.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Game
	for _, g := range s.games {
		if g.Phase == phase {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) Shrinks(_ context.Context, gameID uint64) ([]model.ZoneShrink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ZoneShrink(nil), s.shrinks[gameID]...), nil
}

func (s *memStore) UpdateCounters(_ context.Context, gameID uint64, playerCount int, totalCollected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.games[gameID]; ok {
		g.PlayerCount = playerCount
		g.TotalCollected = totalCollected
	}
	return nil
}

func (s *memStore) EnterActive(_ context.Context, gameID uint64, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.games[gameID]
	g.Phase = model.PhaseActive
	g.SubPhase = model.SubPhaseCheckin
	t := startedAt
	g.StartedAt = &t
	t2 := startedAt
	g.SubPhaseStartedAt = &t2
	return nil
}

func (s *memStore) SetSubPhase(_ context.Context, gameID uint64, sub model.SubPhase, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.games[gameID]
	g.SubPhase = sub
	t := startedAt
	g.SubPhaseStartedAt = &t
	return nil
}

func (s *memStore) SetEnded(_ context.Context, gameID uint64, w rank.Winners, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.games[gameID]
	g.Phase = model.PhaseEnded
	g.SubPhase = model.SubPhaseNone
	t := endedAt
	g.EndedAt = &t
	g.Winner1, g.Winner2, g.Winner3, g.TopKiller = w.First, w.Second, w.Third, w.TopKiller
	return nil
}

func (s *memStore) SetCancelled(_ context.Context, gameID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.games[gameID]
	g.Phase = model.PhaseCancelled
	g.SubPhase = model.SubPhaseNone
	return nil
}

func (s *memStore) InsertPlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.players[p.GameID]
	if !ok {
		room = make(map[common.Address]*model.Player)
		s.players[p.GameID] = room
	}
	cp := *p
	room[p.Address] = &cp
	return nil
}

func (s *memStore) Player(_ context.Context, gameID uint64, addr common.Address) (*model.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[gameID][addr]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) PlayerByNumber(_ context.Context, gameID uint64, number int) (*model.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players[gameID] {
		if p.PlayerNumber == number {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) Players(_ context.Context, gameID uint64) ([]model.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Player
	for _, p := range s.players[gameID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) AlivePlayers(_ context.Context, gameID uint64) ([]model.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Player
	for _, p := range s.players[gameID] {
		if p.IsAlive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) SetCheckedIn(_ context.Context, gameID uint64, addr common.Address, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.players[gameID][addr]
	p.CheckedIn = true
	if token != "" {
		p.BluetoothToken = token
	}
	return nil
}

func (s *memStore) SetBluetoothToken(_ context.Context, gameID uint64, addr common.Address, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[gameID][addr].BluetoothToken = token
	return nil
}

func (s *memStore) MarkEliminated(_ context.Context, gameID uint64, addr common.Address, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.players[gameID][addr]
	p.IsAlive = false
	t := at
	p.EliminatedAt = &t
	p.EliminatedBy = by
	return nil
}

func (s *memStore) IncrementKills(_ context.Context, gameID uint64, addr common.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.players[gameID][addr]
	p.Kills++
	return p.Kills, nil
}

func (s *memStore) SetHeartbeat(_ context.Context, gameID uint64, addr common.Address, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := at
	s.players[gameID][addr].LastHeartbeatAt = &t
	return nil
}

func (s *memStore) InitHeartbeats(_ context.Context, gameID uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players[gameID] {
		if p.IsAlive {
			t := at
			p.LastHeartbeatAt = &t
		}
	}
	return nil
}

func (s *memStore) SetClaimed(_ context.Context, gameID uint64, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[gameID][addr].HasClaimed = true
	return nil
}

func (s *memStore) ReplaceAssignments(_ context.Context, gameID uint64, pairs []hunt.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make(map[common.Address]common.Address, len(pairs))
	for _, p := range pairs {
		rows[p.Hunter] = p.Target
	}
	s.assignments[gameID] = rows
	return nil
}

func (s *memStore) RewireAssignments(_ context.Context, gameID uint64, deleteHunters []common.Address, set []hunt.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.assignments[gameID]
	for _, h := range deleteHunters {
		delete(rows, h)
	}
	for _, p := range set {
		rows[p.Hunter] = p.Target
	}
	return nil
}

func (s *memStore) Assignments(_ context.Context, gameID uint64) ([]hunt.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hunt.Pair
	for h, t := range s.assignments[gameID] {
		out = append(out, hunt.Pair{Hunter: h, Target: t})
	}
	return out, nil
}

func (s *memStore) InsertKill(_ context.Context, k *model.KillRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKillID++
	cp := *k
	s.kills[s.nextKillID] = &cp
	return s.nextKillID, nil
}

func (s *memStore) SetKillTxHash(_ context.Context, killID int64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.kills[killID]; ok {
		k.TxHash = txHash
	}
	return nil
}

func (s *memStore) UpsertPing(_ context.Context, p *model.LocationPing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.pings[p.GameID]
	if !ok {
		room = make(map[common.Address]*model.LocationPing)
		s.pings[p.GameID] = room
	}
	cp := *p
	room[p.Address] = &cp
	return nil
}

func (s *memStore) LatestPing(_ context.Context, gameID uint64, addr common.Address) (*model.LocationPing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pings[gameID][addr]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) LatestPings(_ context.Context, gameID uint64) ([]model.LocationPing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LocationPing
	for _, p := range s.pings[gameID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) PrunePings(_ context.Context, gameID uint64, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, p := range s.pings[gameID] {
		if p.PingedAt.Before(olderThan) {
			delete(s.pings[gameID], addr)
		}
	}
	return nil
}

func (s *memStore) InsertHeartbeat(_ context.Context, h *model.HeartbeatScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, *h)
	return nil
}

func (s *memStore) InsertOperatorTx(_ context.Context, tx *model.OperatorTx) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTxID++
	cp := *tx
	cp.ID = s.nextTxID
	s.outbox[s.nextTxID] = &cp
	return s.nextTxID, nil
}

func (s *memStore) ResolveOperatorTx(_ context.Context, id int64, status, txHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.outbox[id]; ok {
		tx.Status = status
		tx.TxHash = txHash
		t := at
		tx.ResolvedAt = &t
	}
	return nil
}

func (s *memStore) StalePendingTxs(_ context.Context, olderThan time.Time) ([]model.OperatorTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OperatorTx
	for _, tx := range s.outbox {
		if tx.Status == model.TxPending && tx.SubmittedAt.Before(olderThan) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *memStore) Cursor(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *memStore) SetCursor(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = block
	return nil
}
