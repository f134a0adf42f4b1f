// Package verify composes the three proof dimensions (QR, GPS, Bluetooth)
// into pass/fail verdicts for kills, heartbeat scans and check-ins. Verdicts
// never mutate state; the coordinator acts on them.
package verify

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainassassin/server/internal/ble"
	"github.com/chainassassin/server/internal/geo"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/qr"
)

// Kind is a typed rejection reason. The strings are part of the client API.
type Kind string

const (
	KindNone                    Kind = ""
	KindInvalidQR               Kind = "invalidQr"
	KindWrongGame               Kind = "wrongGame"
	KindUnknownPlayer           Kind = "unknownPlayer"
	KindNotRegistered           Kind = "notRegistered"
	KindHunterEliminated        Kind = "hunterEliminated"
	KindTargetAlreadyEliminated Kind = "targetAlreadyEliminated"
	KindNotYourTarget           Kind = "notYourTarget"
	KindTargetLocationUnavailable Kind = "targetLocationUnavailable"
	KindTooFar                  Kind = "tooFar"
	KindTargetBluetoothMissing  Kind = "targetBluetoothMissing"
	KindNotSeenOverBluetooth    Kind = "notSeenOverBluetooth"
	KindScanYourself            Kind = "scanYourself"
	KindScanYourTarget          Kind = "scanYourTarget"
	KindScanYourHunter          Kind = "scanYourHunter"
	KindHeartbeatDisabled       Kind = "heartbeatDisabled"
	KindCheckinClosed           Kind = "checkinClosed"
	KindTooFarFromMeetingPoint  Kind = "tooFarFromMeetingPoint"
	KindAlreadyCheckedIn        Kind = "alreadyCheckedIn"
	KindScannedNotCheckedIn     Kind = "scannedNotCheckedIn"
)

// Store is the narrow read surface the verifier needs.
type Store interface {
	Player(ctx context.Context, gameID uint64, addr common.Address) (*model.Player, error)
	PlayerByNumber(ctx context.Context, gameID uint64, number int) (*model.Player, error)
	LatestPing(ctx context.Context, gameID uint64, addr common.Address) (*model.LocationPing, error)
}

// TargetLookup resolves the live hunter→target relation. *hunt.Chain
// satisfies it.
type TargetLookup interface {
	Target(hunter common.Address) (common.Address, bool)
}

// Config holds the proof thresholds.
type Config struct {
	KillProximityMeters      float64
	HeartbeatProximityMeters float64
	BLERequired              bool
	// StrictProof rejects kills whose target has no persisted ping instead of
	// waiving the GPS check.
	StrictProof bool
}

// Verdict is the outcome of a kill verification.
type Verdict struct {
	Valid          bool
	Kind           Kind
	Target         *model.Player
	DistanceMeters float64
	TargetLat      float64
	TargetLng      float64
}

func reject(k Kind) Verdict { return Verdict{Kind: k} }

type Verifier struct {
	store Store
	cfg   Config
}

func NewVerifier(store Store, cfg Config) *Verifier {
	return &Verifier{store: store, cfg: cfg}
}

// VerifyKill runs the ordered kill checks; the first failure wins.
func (v *Verifier) VerifyKill(ctx context.Context, gameID uint64, chain TargetLookup,
	hunterAddr common.Address, qrPayload string, hunterLat, hunterLng float64, bleNearby []string,
) (Verdict, error) {
	qrGame, qrPlayer, err := qr.Decode(qrPayload)
	if err != nil {
		return reject(KindInvalidQR), nil
	}
	if qrGame != gameID {
		return reject(KindWrongGame), nil
	}

	target, err := v.store.PlayerByNumber(ctx, gameID, qrPlayer)
	if err != nil {
		return Verdict{}, err
	}
	if target == nil {
		return reject(KindUnknownPlayer), nil
	}

	hunter, err := v.store.Player(ctx, gameID, hunterAddr)
	if err != nil {
		return Verdict{}, err
	}
	if hunter == nil {
		return reject(KindNotRegistered), nil
	}
	if !hunter.IsAlive {
		return reject(KindHunterEliminated), nil
	}
	if !target.IsAlive {
		return reject(KindTargetAlreadyEliminated), nil
	}

	assigned, ok := chain.Target(hunterAddr)
	if !ok || assigned != target.Address {
		return reject(KindNotYourTarget), nil
	}

	verdict := Verdict{Target: target}
	ping, err := v.store.LatestPing(ctx, gameID, target.Address)
	if err != nil {
		return Verdict{}, err
	}
	if ping == nil {
		if v.cfg.StrictProof {
			return reject(KindTargetLocationUnavailable), nil
		}
	} else {
		verdict.TargetLat = ping.Lat
		verdict.TargetLng = ping.Lng
		verdict.DistanceMeters = geo.HaversineMeters(hunterLat, hunterLng, ping.Lat, ping.Lng)
		if verdict.DistanceMeters > v.cfg.KillProximityMeters {
			out := reject(KindTooFar)
			out.DistanceMeters = verdict.DistanceMeters
			return out, nil
		}
	}

	if v.cfg.BLERequired {
		if ble.Canonical(target.BluetoothToken) == "" {
			return reject(KindTargetBluetoothMissing), nil
		}
		if !ble.Match(target.BluetoothToken, bleNearby) {
			return reject(KindNotSeenOverBluetooth), nil
		}
	}

	verdict.Valid = true
	return verdict, nil
}

// HeartbeatVerdict is the outcome of a heartbeat scan verification.
type HeartbeatVerdict struct {
	Valid          bool
	Kind           Kind
	Scanned        *model.Player
	DistanceMeters float64
}

func hbReject(k Kind) HeartbeatVerdict { return HeartbeatVerdict{Kind: k} }

// VerifyHeartbeat validates a mutual-liveness scan. Sub-phase and
// disable-threshold gating happen in the coordinator before this is called.
func (v *Verifier) VerifyHeartbeat(ctx context.Context, gameID uint64, chain TargetLookup,
	scannerAddr common.Address, qrPayload string, lat, lng float64, bleNearby []string,
) (HeartbeatVerdict, error) {
	scanner, err := v.store.Player(ctx, gameID, scannerAddr)
	if err != nil {
		return HeartbeatVerdict{}, err
	}
	if scanner == nil {
		return hbReject(KindNotRegistered), nil
	}
	if !scanner.IsAlive {
		return hbReject(KindHunterEliminated), nil
	}

	qrGame, qrPlayer, err := qr.Decode(qrPayload)
	if err != nil {
		return hbReject(KindInvalidQR), nil
	}
	if qrGame != gameID {
		return hbReject(KindWrongGame), nil
	}

	scanned, err := v.store.PlayerByNumber(ctx, gameID, qrPlayer)
	if err != nil {
		return HeartbeatVerdict{}, err
	}
	if scanned == nil {
		return hbReject(KindUnknownPlayer), nil
	}
	if !scanned.IsAlive {
		return hbReject(KindTargetAlreadyEliminated), nil
	}
	if scanned.Address == scannerAddr {
		return hbReject(KindScanYourself), nil
	}
	// The hunter–target pair must use kills, not heartbeats.
	if t, ok := chain.Target(scannerAddr); ok && t == scanned.Address {
		return hbReject(KindScanYourTarget), nil
	}
	if t, ok := chain.Target(scanned.Address); ok && t == scannerAddr {
		return hbReject(KindScanYourHunter), nil
	}

	verdict := HeartbeatVerdict{Scanned: scanned}
	ping, err := v.store.LatestPing(ctx, gameID, scanned.Address)
	if err != nil {
		return HeartbeatVerdict{}, err
	}
	if ping == nil {
		if v.cfg.StrictProof {
			return hbReject(KindTargetLocationUnavailable), nil
		}
	} else {
		verdict.DistanceMeters = geo.HaversineMeters(lat, lng, ping.Lat, ping.Lng)
		if verdict.DistanceMeters > v.cfg.HeartbeatProximityMeters {
			out := hbReject(KindTooFar)
			out.DistanceMeters = verdict.DistanceMeters
			return out, nil
		}
	}

	if v.cfg.BLERequired {
		if ble.Canonical(scanned.BluetoothToken) == "" {
			return hbReject(KindTargetBluetoothMissing), nil
		}
		if !ble.Match(scanned.BluetoothToken, bleNearby) {
			return hbReject(KindNotSeenOverBluetooth), nil
		}
	}

	verdict.Valid = true
	return verdict, nil
}
