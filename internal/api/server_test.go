package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/chainassassin/server/internal/config"
	"github.com/chainassassin/server/internal/game"
	"github.com/chainassassin/server/internal/verify"
)

type fakeCoordinator struct {
	checkinKind   verify.Kind
	checkinErr    error
	killKind      verify.Kind
	scannedNumber int
	status        *game.Status
	statusErr     error

	autoStarts int
	lastCaller common.Address
	lastReq    game.CheckinRequest
}

func (f *fakeCoordinator) Checkin(_ context.Context, _ uint64, addr common.Address, req game.CheckinRequest) (verify.Kind, error) {
	f.lastCaller = addr
	f.lastReq = req
	return f.checkinKind, f.checkinErr
}

func (f *fakeCoordinator) Location(_ context.Context, _ uint64, addr common.Address, _, _ float64, _ time.Time) (verify.Kind, error) {
	f.lastCaller = addr
	return verify.KindNone, nil
}

func (f *fakeCoordinator) Kill(_ context.Context, _ uint64, addr common.Address, _ string, _, _ float64, _ []string) (verify.Kind, error) {
	f.lastCaller = addr
	return f.killKind, nil
}

func (f *fakeCoordinator) Heartbeat(_ context.Context, _ uint64, addr common.Address, _ string, _, _ float64, _ []string) (int, verify.Kind, error) {
	f.lastCaller = addr
	return f.scannedNumber, verify.KindNone, nil
}

func (f *fakeCoordinator) GameStatus(_ context.Context, _ uint64) (*game.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeCoordinator) CheckAutoStart(context.Context) error {
	f.autoStarts++
	return nil
}

func newTestServer(t *testing.T, mgr Coordinator, cfg config.AuthConfig, operator common.Address) http.Handler {
	t.Helper()
	return NewServer(mgr, nil, cfg, operator, zap.NewNop()).Router()
}

// signedRequest builds a request with a valid header triple.
func signedRequest(t *testing.T, method, path string, body any) (*http.Request, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := fmt.Sprintf("chain-assassin:%d", time.Now().Unix())
	digest := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Address", addr.Hex())
	req.Header.Set("X-Signature", hexutil.Encode(sig))
	req.Header.Set("X-Message", msg)
	return req, addr
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &fakeCoordinator{}, config.AuthConfig{}, common.Address{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCheckinRequiresSignature(t *testing.T) {
	h := newTestServer(t, &fakeCoordinator{}, config.AuthConfig{SkewWindow: time.Minute}, common.Address{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/games/1/checkin",
		bytes.NewBufferString(`{"lat":1,"lng":2}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckinPassesVerifiedCaller(t *testing.T) {
	mgr := &fakeCoordinator{}
	h := newTestServer(t, mgr, config.AuthConfig{SkewWindow: time.Minute}, common.Address{})

	req, addr := signedRequest(t, "POST", "/api/games/7/checkin", checkinBody{
		Lat: 52.52, Lng: 13.405, QRPayload: "AB12", BluetoothID: "AA:BB",
		BLENearbyAddresses: []string{"CC:DD"},
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Equal(t, addr, mgr.lastCaller)
	assert.Equal(t, "AB12", mgr.lastReq.QRPayload)
	assert.Equal(t, "AA:BB", mgr.lastReq.BluetoothToken)
}

func TestRejectionComesBackAsErrorString(t *testing.T) {
	mgr := &fakeCoordinator{checkinKind: verify.KindTooFarFromMeetingPoint}
	h := newTestServer(t, mgr, config.AuthConfig{SkewWindow: time.Minute}, common.Address{})

	req, _ := signedRequest(t, "POST", "/api/games/7/checkin", checkinBody{Lat: 1, Lng: 2})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"tooFarFromMeetingPoint"}`, rec.Body.String())
}

func TestUnknownGameIs404(t *testing.T) {
	mgr := &fakeCoordinator{checkinErr: game.ErrGameNotFound}
	h := newTestServer(t, mgr, config.AuthConfig{SkewWindow: time.Minute}, common.Address{})

	req, _ := signedRequest(t, "POST", "/api/games/999/checkin", checkinBody{Lat: 1, Lng: 2})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatReturnsScannedNumber(t *testing.T) {
	mgr := &fakeCoordinator{scannedNumber: 3}
	h := newTestServer(t, mgr, config.AuthConfig{SkewWindow: time.Minute}, common.Address{})

	req, _ := signedRequest(t, "POST", "/api/games/7/heartbeat", heartbeatBody{
		QRPayload: "AB12", Lat: 1, Lng: 2,
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"scannedPlayerNumber":3}`, rec.Body.String())
}

func TestStatusIsUnauthenticated(t *testing.T) {
	mgr := &fakeCoordinator{status: &game.Status{GameID: 7, Phase: "ACTIVE"}}
	h := newTestServer(t, mgr, config.AuthConfig{}, common.Address{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/games/7/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"gameId":7`)
}

func TestAdminBearerToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sekrit"), bcrypt.MinCost)
	require.NoError(t, err)
	mgr := &fakeCoordinator{}
	h := newTestServer(t, mgr, config.AuthConfig{AdminTokenBcrypt: string(hash)}, common.Address{})

	req := httptest.NewRequest("POST", "/api/admin/check-auto-start", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, mgr.autoStarts)

	req = httptest.NewRequest("POST", "/api/admin/check-auto-start", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, mgr.autoStarts)
}

func TestAdminOperatorSignature(t *testing.T) {
	mgr := &fakeCoordinator{}
	req, operator := signedRequest(t, "POST", "/api/admin/check-auto-start", nil)
	h := newTestServer(t, mgr, config.AuthConfig{SkewWindow: time.Minute}, operator)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, mgr.autoStarts)

	// A correctly signed call from a non-operator wallet is rejected.
	other, _ := signedRequest(t, "POST", "/api/admin/check-auto-start", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, mgr.autoStarts)
}

func TestBadGameID(t *testing.T) {
	h := newTestServer(t, &fakeCoordinator{}, config.AuthConfig{}, common.Address{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/games/zero/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
