// Package model defines the persistent domain types of the coordinator.
// The settlement contract is the origin of games and players; these mirror
// its state plus the off-chain fields the referee needs.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is the contract-visible lifecycle phase of a game.
type Phase string

const (
	PhaseRegistration Phase = "REGISTRATION"
	PhaseActive       Phase = "ACTIVE"
	PhaseEnded        Phase = "ENDED"
	PhaseCancelled    Phase = "CANCELLED"
)

// SubPhase is the off-chain refinement of PhaseActive.
type SubPhase string

const (
	SubPhaseNone    SubPhase = ""
	SubPhaseCheckin SubPhase = "checkin"
	SubPhasePregame SubPhase = "pregame"
	SubPhaseGame    SubPhase = "game"
)

// Elimination reasons stored in Player.EliminatedBy for non-kill paths.
// A kill stores the hunter's address instead.
const (
	ReasonNoCheckin        = "no_checkin"
	ReasonZoneViolation    = "zone_violation"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

// PrizeSplit is the basis-point weights the contract pays out with.
type PrizeSplit struct {
	First   uint16
	Second  uint16
	Third   uint16
	Kills   uint16
	Creator uint16
}

// Game holds one game's configuration and lifecycle state. Coordinates are
// stored in contract fixed-point microdegrees.
type Game struct {
	ID                   uint64
	Title                string
	EntryFeeWei          string // decimal string, passed through untouched
	MinPlayers           int
	MaxPlayers           int
	RegistrationDeadline time.Time
	GameDate             time.Time
	ExpiryDeadline       time.Time
	MaxDuration          time.Duration
	CenterLat            int64
	CenterLng            int64
	MeetingLat           int64
	MeetingLng           int64
	Split                PrizeSplit

	PlayerCount    int
	TotalCollected string

	Phase             Phase
	SubPhase          SubPhase
	StartedAt         *time.Time
	SubPhaseStartedAt *time.Time
	EndedAt           *time.Time

	Winner1   common.Address
	Winner2   common.Address
	Winner3   common.Address
	TopKiller common.Address

	// Simulated games are settled off-chain by the coordinator itself.
	Simulated bool
}

// HasMeetingPoint reports whether a meeting point was configured; games
// without one fall back to the zone center for check-in proximity.
func (g *Game) HasMeetingPoint() bool {
	return g.MeetingLat != 0 || g.MeetingLng != 0
}

// RequiredCheckins is the check-in quorum: one seed per funded podium slot.
func (g *Game) RequiredCheckins() int {
	n := 1
	if g.Split.Second > 0 {
		n++
	}
	if g.Split.Third > 0 {
		n++
	}
	return n
}

// ZoneShrink is one step of a game's shrink schedule. AtSecond counts from
// the start of the game sub-phase; shrinks[0] defines the initial radius.
type ZoneShrink struct {
	AtSecond     int
	RadiusMeters float64
}

// Player is one registered wallet in one game. PlayerNumber is 1-based,
// assigned in registration order and never reused.
type Player struct {
	GameID          uint64
	Address         common.Address
	PlayerNumber    int
	IsAlive         bool
	Kills           int
	EliminatedAt    *time.Time
	EliminatedBy    string // hunter address hex or a Reason* sentinel
	CheckedIn       bool
	BluetoothToken  string
	LastHeartbeatAt *time.Time
	HasClaimed      bool
}

// TargetAssignment is one hunter→target edge of the live chain.
type TargetAssignment struct {
	GameID     uint64
	Hunter     common.Address
	Target     common.Address
	AssignedAt time.Time
}

// KillRecord is the immutable audit row written for every confirmed kill.
type KillRecord struct {
	GameID         uint64
	Hunter         common.Address
	Target         common.Address
	KilledAt       time.Time
	HunterLat      float64
	HunterLng      float64
	TargetLat      float64
	TargetLng      float64
	DistanceMeters float64
	TxHash         string
}

// LocationPing is a player's most recent reported position. A short history
// is kept for recovery; InZone records the classification at ping time.
type LocationPing struct {
	GameID   uint64
	Address  common.Address
	Lat      float64
	Lng      float64
	PingedAt time.Time
	InZone   bool
}

// HeartbeatScan records one successful mutual-liveness scan.
type HeartbeatScan struct {
	GameID    uint64
	Scanner   common.Address
	Scanned   common.Address
	ScannedAt time.Time
}

// Outbox status values.
const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// OperatorTx is one outbox row for a settlement transaction the coordinator
// submitted.
type OperatorTx struct {
	ID          int64
	GameID      uint64
	Action      string
	Status      string
	TxHash      string
	SubmittedAt time.Time
	ResolvedAt  *time.Time
}
