// Package qr implements the obfuscated numeric payload printed in every
// player's QR code. The codec is a fixed wire contract shared with the mobile
// clients and must not change: n = gameID*10000 + playerNumber, encoded as
// (n * 1588635695) mod 2147483647, decoded with the modular inverse.
package qr

import (
	"errors"
	"math/big"
	"strings"
)

const (
	multiplier = 1_588_635_695
	modulus    = 2_147_483_647 // 2^31 - 1
	inverse    = 1_799_631_288 // multiplier^-1 mod modulus
	playerBase = 10_000
)

var ErrInvalidPayload = errors.New("qr: invalid payload")

// Encode returns the payload string for a (game, player) pair.
func Encode(gameID uint64, playerNumber int) string {
	n := new(big.Int).SetUint64(gameID)
	n.Mul(n, big.NewInt(playerBase))
	n.Add(n, big.NewInt(int64(playerNumber)))
	n.Mul(n, big.NewInt(multiplier))
	n.Mod(n, big.NewInt(modulus))
	return n.String()
}

// Decode inverts Encode. A payload is valid only when both decoded fields are
// positive; anything else (including non-numeric input) is rejected.
func Decode(payload string) (gameID uint64, playerNumber int, err error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return 0, 0, ErrInvalidPayload
	}
	v, ok := new(big.Int).SetString(payload, 10)
	if !ok || v.Sign() < 0 || v.Cmp(big.NewInt(modulus)) >= 0 {
		return 0, 0, ErrInvalidPayload
	}
	v.Mul(v, big.NewInt(inverse))
	v.Mod(v, big.NewInt(modulus))

	n := v.Uint64()
	gameID = n / playerBase
	playerNumber = int(n % playerBase)
	if gameID == 0 || playerNumber == 0 {
		return 0, 0, ErrInvalidPayload
	}
	return gameID, playerNumber, nil
}
