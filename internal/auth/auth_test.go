package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, message string) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(textHash([]byte(message)), key)
	require.NoError(t, err)
	return hexutil.Encode(sig), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestRecoverRoundTrip(t *testing.T) {
	msg := "chain-assassin:42:1700000000"
	sig, wantAddr := sign(t, msg)

	addr, err := Recover(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, wantAddr, addr.Hex())
}

func TestRecoverLegacyVByte(t *testing.T) {
	msg := "chain-assassin:1700000000"
	sigHex, wantAddr := sign(t, msg)

	// Shift the recovery id to the 27/28 form wallets produce.
	raw, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	raw[64] += 27
	addr, err := Recover(msg, hexutil.Encode(raw))
	require.NoError(t, err)
	assert.Equal(t, wantAddr, addr.Hex())
}

func TestRecoverRejectsGarbage(t *testing.T) {
	_, err := Recover("msg", "0x1234")
	assert.ErrorIs(t, err, ErrBadSignature)
	_, err = Recover("msg", "not-hex")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestRecoverWrongMessage(t *testing.T) {
	sig, signer := sign(t, "chain-assassin:1:1700000000")
	addr, err := Recover("chain-assassin:2:1700000000", sig)
	require.NoError(t, err)
	assert.NotEqual(t, signer, addr.Hex())
}

func TestParseRequestMessage(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	ts, err := ParseRequestMessage("chain-assassin:1700000000", now, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), ts.Unix())

	_, err = ParseRequestMessage("chain-assassin:1700000000", now.Add(time.Hour), 5*time.Minute)
	assert.ErrorIs(t, err, ErrStale)

	_, err = ParseRequestMessage("wrong:1700000000", now, 5*time.Minute)
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestParseRequestMessageMilliseconds(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_500)
	ts, err := ParseRequestMessage(fmt.Sprintf("chain-assassin:%d", int64(1_700_000_000_000)), now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), ts.Unix())
}

func TestParseSocketMessage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	gameID, _, err := ParseSocketMessage("chain-assassin:42:1700000000", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), gameID)

	for _, msg := range []string{
		"chain-assassin:1700000000",      // missing game id
		"chain-assassin:0:1700000000",    // zero game id
		"chain-assassin:x:1700000000",    // junk game id
		"other:42:1700000000",            // wrong prefix
		"chain-assassin:42:notatime",     // junk timestamp
	} {
		_, _, err := ParseSocketMessage(msg, now, time.Minute)
		assert.Error(t, err, "msg %q", msg)
	}
}
