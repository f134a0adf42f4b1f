// Package auth verifies the signed messages clients attach to WebSocket and
// REST requests. Messages follow the personal_sign scheme:
// "chain-assassin:{timestamp}" for REST, "chain-assassin:{gameId}:{timestamp}"
// for WebSocket auth.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const messagePrefix = "chain-assassin:"

var (
	ErrBadMessage   = errors.New("auth: malformed message")
	ErrBadSignature = errors.New("auth: signature does not verify")
	ErrStale        = errors.New("auth: timestamp outside skew window")
)

// Recover returns the address that produced signature over message using the
// eth_sign / personal_sign envelope.
func Recover(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	// Accept both the raw 0/1 and the legacy 27/28 recovery id.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}
	hash := textHash([]byte(message))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// textHash mirrors accounts.TextHash without pulling in the whole accounts
// package: keccak256("\x19Ethereum Signed Message:\n" + len + msg).
func textHash(data []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(msg))
}

// ParseRequestMessage validates "chain-assassin:{timestamp}" and returns the
// embedded timestamp.
func ParseRequestMessage(message string, now time.Time, skew time.Duration) (time.Time, error) {
	rest, ok := strings.CutPrefix(message, messagePrefix)
	if !ok {
		return time.Time{}, ErrBadMessage
	}
	return checkTimestamp(rest, now, skew)
}

// ParseSocketMessage validates "chain-assassin:{gameId}:{timestamp}" and
// returns the embedded game id and timestamp.
func ParseSocketMessage(message string, now time.Time, skew time.Duration) (uint64, time.Time, error) {
	rest, ok := strings.CutPrefix(message, messagePrefix)
	if !ok {
		return 0, time.Time{}, ErrBadMessage
	}
	idStr, tsStr, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, time.Time{}, ErrBadMessage
	}
	gameID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || gameID == 0 {
		return 0, time.Time{}, ErrBadMessage
	}
	ts, err := checkTimestamp(tsStr, now, skew)
	if err != nil {
		return 0, time.Time{}, err
	}
	return gameID, ts, nil
}

// checkTimestamp accepts unix seconds or milliseconds.
func checkTimestamp(s string, now time.Time, skew time.Duration) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}, ErrBadMessage
	}
	ts := time.Unix(v, 0)
	if v > 1e12 { // milliseconds
		ts = time.UnixMilli(v)
	}
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > skew {
		return time.Time{}, ErrStale
	}
	return ts, nil
}
