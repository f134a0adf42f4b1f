package ws

import (
	"time"

	"github.com/chainassassin/server/internal/zone"
)

// Message is any outbound frame. Every concrete message carries its `type`
// discriminator as a struct field so frames marshal to the flat JSON objects
// the clients expect.
type Message interface {
	MessageType() string
}

// typed is embedded by every outbound message.
type typed struct {
	Type string `json:"type"`
}

func (t typed) MessageType() string { return t.Type }

// TargetInfo identifies a player only by number; addresses never go to other
// clients.
type TargetInfo struct {
	PlayerNumber int `json:"playerNumber"`
}

type LeaderboardEntry struct {
	PlayerNumber int        `json:"playerNumber"`
	Kills        int        `json:"kills"`
	IsAlive      bool       `json:"isAlive"`
	EliminatedAt *time.Time `json:"eliminatedAt,omitempty"`
}

type PositionEntry struct {
	PlayerNumber int     `json:"playerNumber"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	IsAlive      bool    `json:"isAlive"`
	Kills        int     `json:"kills"`
}

type HuntLink struct {
	Hunter int `json:"hunter"`
	Target int `json:"target"`
}

type AuthSuccess struct {
	typed
	Address            string      `json:"address"`
	PlayerNumber       int         `json:"playerNumber"`
	SubPhase           string      `json:"subPhase"`
	Target             *TargetInfo `json:"target,omitempty"`
	HunterPlayerNumber int         `json:"hunterPlayerNumber,omitempty"`
	Zone               *zone.State `json:"zone,omitempty"`
	HeartbeatDeadline  *time.Time  `json:"heartbeatDeadline,omitempty"`
}

func NewAuthSuccess() *AuthSuccess { return &AuthSuccess{typed: typed{"auth:success"}} }

type SpectateInit struct {
	typed
	GameID      uint64             `json:"gameId"`
	Phase       string             `json:"phase"`
	SubPhase    string             `json:"subPhase"`
	PlayerCount int                `json:"playerCount"`
	AliveCount  int                `json:"aliveCount"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Players     []PositionEntry    `json:"players"`
	Zone        *zone.State        `json:"zone,omitempty"`
}

func NewSpectateInit() *SpectateInit { return &SpectateInit{typed: typed{"spectate:init"}} }

type PlayerRegistered struct {
	typed
	PlayerNumber int `json:"playerNumber"`
	PlayerCount  int `json:"playerCount"`
}

func NewPlayerRegistered(number, count int) PlayerRegistered {
	return PlayerRegistered{typed{"player:registered"}, number, count}
}

type CheckinUpdate struct {
	typed
	CheckedInCount int `json:"checkedInCount"`
	TotalPlayers   int `json:"totalPlayers"`
	PlayerNumber   int `json:"playerNumber"`
}

func NewCheckinUpdate(checkedIn, total, number int) CheckinUpdate {
	return CheckinUpdate{typed{"checkin:update"}, checkedIn, total, number}
}

type CheckinStarted struct {
	typed
	CheckinDurationSeconds int       `json:"checkinDurationSeconds"`
	CheckinEndsAt          time.Time `json:"checkinEndsAt"`
	RequiredCheckedIn      int       `json:"requiredCheckedIn"`
}

func NewCheckinStarted(durationSec int, endsAt time.Time, required int) CheckinStarted {
	return CheckinStarted{typed{"game:checkin_started"}, durationSec, endsAt, required}
}

type PregameStarted struct {
	typed
	PregameDurationSeconds int       `json:"pregameDurationSeconds"`
	PregameEndsAt          time.Time `json:"pregameEndsAt"`
	CheckedInCount         int       `json:"checkedInCount"`
	PlayerCount            int       `json:"playerCount"`
}

func NewPregameStarted(durationSec int, endsAt time.Time, checkedIn, total int) PregameStarted {
	return PregameStarted{typed{"game:pregame_started"}, durationSec, endsAt, checkedIn, total}
}

// GameStarted is the per-player game start frame with the private target
// assignment.
type GameStarted struct {
	typed
	Target                    TargetInfo `json:"target"`
	HunterPlayerNumber        int        `json:"hunterPlayerNumber"`
	HeartbeatDeadline         time.Time  `json:"heartbeatDeadline"`
	HeartbeatIntervalSeconds  int        `json:"heartbeatIntervalSeconds"`
	Zone                      zone.State `json:"zone"`
}

func NewGameStarted(target, hunter int, deadline time.Time, intervalSec int, z zone.State) GameStarted {
	return GameStarted{typed{"game:started"}, TargetInfo{target}, hunter, deadline, intervalSec, z}
}

type GameStartedBroadcast struct {
	typed
	PlayerCount int `json:"playerCount"`
}

func NewGameStartedBroadcast(count int) GameStartedBroadcast {
	return GameStartedBroadcast{typed{"game:started_broadcast"}, count}
}

type TargetAssigned struct {
	typed
	Target             TargetInfo `json:"target"`
	HunterPlayerNumber int        `json:"hunterPlayerNumber"`
}

func NewTargetAssigned(target, hunter int) TargetAssigned {
	return TargetAssigned{typed{"target:assigned"}, TargetInfo{target}, hunter}
}

type HunterUpdated struct {
	typed
	HunterPlayerNumber int `json:"hunterPlayerNumber"`
}

func NewHunterUpdated(hunter int) HunterUpdated {
	return HunterUpdated{typed{"hunter:updated"}, hunter}
}

type KillRecorded struct {
	typed
	HunterNumber int `json:"hunterNumber"`
	TargetNumber int `json:"targetNumber"`
	HunterKills  int `json:"hunterKills"`
}

func NewKillRecorded(hunter, target, kills int) KillRecorded {
	return KillRecorded{typed{"kill:recorded"}, hunter, target, kills}
}

type PlayerEliminated struct {
	typed
	PlayerNumber     int    `json:"playerNumber"`
	EliminatorNumber int    `json:"eliminatorNumber,omitempty"`
	Reason           string `json:"reason"`
}

func NewPlayerEliminated(player, eliminator int, reason string) PlayerEliminated {
	return PlayerEliminated{typed{"player:eliminated"}, player, eliminator, reason}
}

type ZoneShrinkMsg struct {
	typed
	CenterLat           float64    `json:"centerLat"`
	CenterLng           float64    `json:"centerLng"`
	CurrentRadiusMeters float64    `json:"currentRadiusMeters"`
	NextShrinkAt        *time.Time `json:"nextShrinkAt,omitempty"`
	NextRadiusMeters    *float64   `json:"nextRadiusMeters,omitempty"`
}

func NewZoneShrink(z zone.State) ZoneShrinkMsg {
	return ZoneShrinkMsg{typed{"zone:shrink"}, z.CenterLat, z.CenterLng, z.CurrentRadiusMeters, z.NextShrinkAt, z.NextRadiusMeters}
}

type ZoneWarning struct {
	typed
	SecondsRemaining int  `json:"secondsRemaining"`
	InZone           bool `json:"inZone"`
}

func NewZoneWarning(secondsRemaining int) ZoneWarning {
	return ZoneWarning{typed{"zone:warning"}, secondsRemaining, false}
}

type HeartbeatRefreshed struct {
	typed
	RefreshedUntil time.Time `json:"refreshedUntil"`
}

func NewHeartbeatRefreshed(until time.Time) HeartbeatRefreshed {
	return HeartbeatRefreshed{typed{"heartbeat:refreshed"}, until}
}

type HeartbeatScanSuccess struct {
	typed
	ScannedPlayerNumber int `json:"scannedPlayerNumber"`
}

func NewHeartbeatScanSuccess(scanned int) HeartbeatScanSuccess {
	return HeartbeatScanSuccess{typed{"heartbeat:scan_success"}, scanned}
}

type LeaderboardUpdate struct {
	typed
	Entries []LeaderboardEntry `json:"entries"`
}

func NewLeaderboardUpdate(entries []LeaderboardEntry) LeaderboardUpdate {
	return LeaderboardUpdate{typed{"leaderboard:update"}, entries}
}

type GameEnded struct {
	typed
	Winner1   int `json:"winner1"`
	Winner2   int `json:"winner2"`
	Winner3   int `json:"winner3"`
	TopKiller int `json:"topKiller"`
}

func NewGameEnded(w1, w2, w3, topKiller int) GameEnded {
	return GameEnded{typed{"game:ended"}, w1, w2, w3, topKiller}
}

type GameCancelled struct {
	typed
	GameID uint64 `json:"gameId"`
}

func NewGameCancelled(gameID uint64) GameCancelled {
	return GameCancelled{typed{"game:cancelled"}, gameID}
}

type SpectatorPositions struct {
	typed
	Players    []PositionEntry `json:"players"`
	Zone       *zone.State     `json:"zone,omitempty"`
	AliveCount int             `json:"aliveCount"`
	HuntLinks  []HuntLink      `json:"huntLinks"`
}

func NewSpectatorPositions(players []PositionEntry, z *zone.State, alive int, links []HuntLink) SpectatorPositions {
	return SpectatorPositions{typed{"spectator:positions"}, players, z, alive, links}
}

type ErrorMessage struct {
	typed
	Message string `json:"message"`
}

func NewError(msg string) ErrorMessage {
	return ErrorMessage{typed{"error"}, msg}
}
