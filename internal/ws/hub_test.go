package ws

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(5*time.Minute, zap.NewNop())
	hub.Authorize = func(gameID uint64, addr common.Address) (*AuthSuccess, error) {
		if gameID != 1 {
			return nil, fmt.Errorf("game %d not found", gameID)
		}
		msg := NewAuthSuccess()
		msg.Address = addr.Hex()
		msg.PlayerNumber = 3
		msg.SubPhase = "checkin"
		return msg, nil
	}
	hub.Snapshot = func(gameID uint64) (*SpectateInit, error) {
		if gameID != 1 {
			return nil, fmt.Errorf("game %d not found", gameID)
		}
		msg := NewSpectateInit()
		msg.GameID = gameID
		msg.Phase = "ACTIVE"
		return msg, nil
	}
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Shutdown)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func signAuth(t *testing.T, key *ecdsa.PrivateKey, gameID uint64) inboundFrame {
	t.Helper()
	msg := fmt.Sprintf("chain-assassin:%d:%d", gameID, time.Now().Unix())
	hash := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	return inboundFrame{
		Type:      "auth",
		GameID:    gameID,
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Signature: hexutil.Encode(sig),
		Message:   msg,
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestPlayerAuthSuccess(t *testing.T) {
	_, srv := newTestHub(t)
	key, _ := crypto.GenerateKey()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(signAuth(t, key, 1)))

	frame := readFrame(t, conn)
	assert.Equal(t, "auth:success", frame["type"])
	assert.Equal(t, float64(3), frame["playerNumber"])
	assert.Equal(t, "checkin", frame["subPhase"])
}

func TestAuthRejectsBadSignature(t *testing.T) {
	_, srv := newTestHub(t)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()

	frame := signAuth(t, key, 1)
	frame.Address = crypto.PubkeyToAddress(other.PublicKey).Hex()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(frame))

	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply["type"])
}

func TestAuthRejectsGameMismatch(t *testing.T) {
	_, srv := newTestHub(t)
	key, _ := crypto.GenerateKey()

	frame := signAuth(t, key, 1)
	frame.GameID = 2 // signed for game 1

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(frame))

	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply["type"])
}

func TestTakeoverClosesPreviousSession(t *testing.T) {
	_, srv := newTestHub(t)
	key, _ := crypto.GenerateKey()

	first := dial(t, srv)
	require.NoError(t, first.WriteJSON(signAuth(t, key, 1)))
	readFrame(t, first)

	second := dial(t, srv)
	require.NoError(t, second.WriteJSON(signAuth(t, key, 1)))
	readFrame(t, second)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, takeoverCode, closeErr.Code)
}

func TestBroadcastReachesPlayerAndSpectator(t *testing.T) {
	hub, srv := newTestHub(t)
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	player := dial(t, srv)
	require.NoError(t, player.WriteJSON(signAuth(t, key, 1)))
	readFrame(t, player)

	spectator := dial(t, srv)
	require.NoError(t, spectator.WriteJSON(inboundFrame{Type: "spectate", GameID: 1}))
	init := readFrame(t, spectator)
	assert.Equal(t, "spectate:init", init["type"])

	// Socket registration is asynchronous to the test goroutine; the reads
	// above guarantee both joined.
	hub.Broadcast(1, NewGameStartedBroadcast(6))

	for _, conn := range []*websocket.Conn{player, spectator} {
		frame := readFrame(t, conn)
		assert.Equal(t, "game:started_broadcast", frame["type"])
		assert.Equal(t, float64(6), frame["playerCount"])
	}

	// Per-player frames stay private.
	hub.SendToPlayer(1, addr, NewHunterUpdated(4))
	frame := readFrame(t, player)
	assert.Equal(t, "hunter:updated", frame["type"])

	spectator.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := spectator.ReadMessage()
	assert.Error(t, err, "spectator must not receive per-player frames")
}

func TestBroadcastOrderPreserved(t *testing.T) {
	hub, srv := newTestHub(t)
	key, _ := crypto.GenerateKey()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(signAuth(t, key, 1)))
	readFrame(t, conn)

	for i := 1; i <= 20; i++ {
		hub.Broadcast(1, NewCheckinUpdate(i, 20, i))
	}
	for i := 1; i <= 20; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, "checkin:update", frame["type"])
		require.Equal(t, float64(i), frame["checkedInCount"], "out of order at %d", i)
	}
}

func TestSpectateUnknownGame(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "spectate", GameID: 99}))
	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply["type"])
}
