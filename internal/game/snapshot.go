package game

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/ws"
	"github.com/chainassassin/server/internal/zone"
)

// Status is the REST status snapshot of one game. Winners are reported as
// player numbers; addresses never leave the server in game frames.
type Status struct {
	GameID            uint64                `json:"gameId"`
	Title             string                `json:"title"`
	Phase             string                `json:"phase"`
	SubPhase          string                `json:"subPhase"`
	PlayerCount       int                   `json:"playerCount"`
	AliveCount        int                   `json:"aliveCount"`
	CheckedInCount    int                   `json:"checkedInCount"`
	RequiredCheckedIn int                   `json:"requiredCheckedIn"`
	CheckinEndsAt     *time.Time            `json:"checkinEndsAt,omitempty"`
	PregameEndsAt     *time.Time            `json:"pregameEndsAt,omitempty"`
	Leaderboard       []ws.LeaderboardEntry `json:"leaderboard"`
	Zone              *zone.State           `json:"zone,omitempty"`
	MeetingPoint      *LatLng               `json:"meetingPoint,omitempty"`
	Shrinks           []ShrinkStep          `json:"shrinks,omitempty"`
	ClaimedNumbers    []int                 `json:"claimedNumbers,omitempty"`
	Winner1           int                   `json:"winner1,omitempty"`
	Winner2           int                   `json:"winner2,omitempty"`
	Winner3           int                   `json:"winner3,omitempty"`
	TopKiller         int                   `json:"topKiller,omitempty"`
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type ShrinkStep struct {
	AtSecond     int     `json:"atSecond"`
	RadiusMeters float64 `json:"radiusMeters"`
}

// GameStatus builds the REST snapshot.
func (m *Manager) GameStatus(ctx context.Context, gameID uint64) (*Status, error) {
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGameNotFound
	}
	players, err := m.store.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		GameID:            g.ID,
		Title:             g.Title,
		Phase:             string(g.Phase),
		SubPhase:          string(g.SubPhase),
		PlayerCount:       g.PlayerCount,
		RequiredCheckedIn: g.RequiredCheckins(),
		Leaderboard:       leaderboardEntries(players),
	}
	numbers := make(map[common.Address]int, len(players))
	for _, p := range players {
		numbers[p.Address] = p.PlayerNumber
		if p.IsAlive {
			st.AliveCount++
			if p.CheckedIn {
				st.CheckedInCount++
			}
		}
		if p.HasClaimed {
			st.ClaimedNumbers = append(st.ClaimedNumbers, p.PlayerNumber)
		}
	}

	if g.HasMeetingPoint() {
		st.MeetingPoint = &LatLng{
			Lat: geo.FromFixed(g.MeetingLat),
			Lng: geo.FromFixed(g.MeetingLng),
		}
	}
	shrinks, err := m.store.Shrinks(ctx, gameID)
	if err != nil {
		return nil, err
	}
	for _, s := range shrinks {
		st.Shrinks = append(st.Shrinks, ShrinkStep{AtSecond: s.AtSecond, RadiusMeters: s.RadiusMeters})
	}

	if g.SubPhaseStartedAt != nil {
		switch g.SubPhase {
		case model.SubPhaseCheckin:
			t := g.SubPhaseStartedAt.Add(m.cfg.CheckinDuration)
			st.CheckinEndsAt = &t
		case model.SubPhasePregame:
			t := g.SubPhaseStartedAt.Add(m.cfg.PregameDuration)
			st.PregameEndsAt = &t
		}
	}

	if rt := m.runtime(gameID); rt != nil {
		rt.mu.Lock()
		if rt.tracker != nil {
			z := rt.tracker.State(m.now())
			st.Zone = &z
		}
		rt.mu.Unlock()
	}

	if g.Phase == model.PhaseEnded {
		st.Winner1 = numbers[g.Winner1]
		st.Winner2 = numbers[g.Winner2]
		st.Winner3 = numbers[g.Winner3]
		st.TopKiller = numbers[g.TopKiller]
	}
	return st, nil
}

// Authorize backs the hub's player-room handshake: the address must be a
// registered player of the game.
func (m *Manager) Authorize(gameID uint64, addr common.Address) (*ws.AuthSuccess, error) {
	ctx := context.Background()
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("game %d not found", gameID)
	}
	p, err := m.store.Player(ctx, gameID, addr)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("address not registered in game %d", gameID)
	}

	msg := ws.NewAuthSuccess()
	msg.Address = p.Address.Hex()
	msg.PlayerNumber = p.PlayerNumber
	msg.SubPhase = string(g.SubPhase)

	if rt := m.runtime(gameID); rt != nil {
		rt.mu.Lock()
		if rt.chain != nil {
			numbers, nerr := m.playerNumbers(ctx, gameID)
			if nerr == nil {
				if t, ok := rt.chain.Target(addr); ok {
					msg.Target = &ws.TargetInfo{PlayerNumber: numbers[t]}
				}
				if h, ok := rt.chain.Hunter(addr); ok {
					msg.HunterPlayerNumber = numbers[h]
				}
			}
		}
		if rt.tracker != nil {
			z := rt.tracker.State(m.now())
			msg.Zone = &z
		}
		rt.mu.Unlock()
	}
	if p.IsAlive && p.LastHeartbeatAt != nil {
		d := p.LastHeartbeatAt.Add(m.cfg.HeartbeatInterval)
		msg.HeartbeatDeadline = &d
	}
	return msg, nil
}

// Snapshot backs the hub's spectator handshake.
func (m *Manager) Snapshot(gameID uint64) (*ws.SpectateInit, error) {
	ctx := context.Background()
	g, err := m.store.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("game %d not found", gameID)
	}
	players, err := m.store.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	positions, alive, err := m.alivePositions(ctx, gameID)
	if err != nil {
		return nil, err
	}

	msg := ws.NewSpectateInit()
	msg.GameID = g.ID
	msg.Phase = string(g.Phase)
	msg.SubPhase = string(g.SubPhase)
	msg.PlayerCount = g.PlayerCount
	msg.AliveCount = alive
	msg.Leaderboard = leaderboardEntries(players)
	msg.Players = positions

	if rt := m.runtime(gameID); rt != nil {
		rt.mu.Lock()
		if rt.tracker != nil {
			z := rt.tracker.State(m.now())
			msg.Zone = &z
		}
		rt.mu.Unlock()
	}
	return msg, nil
}
