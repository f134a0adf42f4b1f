// Package zone tracks one game's shrinking play area and the out-of-zone
// grace countdown per player. The tracker is in-memory only; the coordinator
// rebuilds it from stored shrinks and the last persisted pings on restart.
package zone

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/model"
)

// State is a broadcastable snapshot of the current zone.
type State struct {
	CenterLat          float64    `json:"centerLat"`
	CenterLng          float64    `json:"centerLng"`
	CurrentRadiusMeters float64   `json:"currentRadiusMeters"`
	NextShrinkAt       *time.Time `json:"nextShrinkAt,omitempty"`
	NextRadiusMeters   *float64   `json:"nextRadiusMeters,omitempty"`
}

// LocationResult classifies one ping.
type LocationResult struct {
	InZone           bool
	SecondsRemaining int
}

// Tracker is owned by a single game's coordinator task; not goroutine-safe.
type Tracker struct {
	centerLat float64
	centerLng float64
	shrinks   []model.ZoneShrink
	startedAt time.Time
	grace     time.Duration

	idx     int // index of the currently effective shrink
	outside map[common.Address]time.Time
}

// NewTracker builds a tracker for a game whose game sub-phase started at
// startedAt. shrinks must be non-empty with shrinks[0].AtSecond == 0.
func NewTracker(centerLat, centerLng float64, shrinks []model.ZoneShrink, startedAt time.Time, grace time.Duration) *Tracker {
	return &Tracker{
		centerLat: centerLat,
		centerLng: centerLng,
		shrinks:   shrinks,
		startedAt: startedAt,
		grace:     grace,
		outside:   make(map[common.Address]time.Time),
	}
}

func (t *Tracker) effectiveIndex(now time.Time) int {
	elapsed := int(now.Sub(t.startedAt).Seconds())
	idx := 0
	for i, s := range t.shrinks {
		if s.AtSecond <= elapsed {
			idx = i
		}
	}
	return idx
}

// CurrentRadius returns the radius in effect at now.
func (t *Tracker) CurrentRadius(now time.Time) float64 {
	return t.shrinks[t.effectiveIndex(now)].RadiusMeters
}

// Tick advances the shrink index. Returns the new zone state when a shrink
// just became effective, nil otherwise.
func (t *Tracker) Tick(now time.Time) *State {
	idx := t.effectiveIndex(now)
	if idx == t.idx {
		return nil
	}
	t.idx = idx
	s := t.State(now)
	return &s
}

// State returns the current zone snapshot including the upcoming shrink.
func (t *Tracker) State(now time.Time) State {
	idx := t.effectiveIndex(now)
	s := State{
		CenterLat:           t.centerLat,
		CenterLng:           t.centerLng,
		CurrentRadiusMeters: t.shrinks[idx].RadiusMeters,
	}
	if idx+1 < len(t.shrinks) {
		next := t.shrinks[idx+1]
		at := t.startedAt.Add(time.Duration(next.AtSecond) * time.Second)
		s.NextShrinkAt = &at
		r := next.RadiusMeters
		s.NextRadiusMeters = &r
	}
	return s
}

// ProcessLocation classifies a ping against the current radius and updates
// the player's grace countdown. Safe to call with a past timestamp when
// reseeding after recovery; the countdown stays monotone.
func (t *Tracker) ProcessLocation(addr common.Address, lat, lng float64, now time.Time) LocationResult {
	if geo.InZone(t.centerLat, t.centerLng, lat, lng, t.CurrentRadius(now)) {
		delete(t.outside, addr)
		return LocationResult{InZone: true}
	}
	exitedAt, tracked := t.outside[addr]
	if !tracked {
		t.outside[addr] = now
		return LocationResult{InZone: false, SecondsRemaining: int(t.grace.Seconds())}
	}
	remaining := t.grace - now.Sub(exitedAt)
	if remaining < 0 {
		remaining = 0
	}
	return LocationResult{InZone: false, SecondsRemaining: int(remaining.Seconds())}
}

// ExpiredPlayers returns every tracked player whose grace has fully elapsed.
func (t *Tracker) ExpiredPlayers(now time.Time) []common.Address {
	var out []common.Address
	for addr, exitedAt := range t.outside {
		if now.Sub(exitedAt) >= t.grace {
			out = append(out, addr)
		}
	}
	return out
}

// ClearPlayer drops a player's out-of-zone record (death or game end).
func (t *Tracker) ClearPlayer(addr common.Address) {
	delete(t.outside, addr)
}
