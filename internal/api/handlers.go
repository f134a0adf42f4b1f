package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/game"
	"github.com/chainassassin/server/internal/verify"
)

type resultBody struct {
	Success             bool   `json:"success"`
	Error               string `json:"error,omitempty"`
	ScannedPlayerNumber int    `json:"scannedPlayerNumber,omitempty"`
}

type checkinBody struct {
	Lat                float64  `json:"lat"`
	Lng                float64  `json:"lng"`
	QRPayload          string   `json:"qrPayload"`
	BluetoothID        string   `json:"bluetoothId"`
	BLENearbyAddresses []string `json:"bleNearbyAddresses"`
}

type locationBody struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

type killBody struct {
	QRPayload          string   `json:"qrPayload"`
	HunterLat          float64  `json:"hunterLat"`
	HunterLng          float64  `json:"hunterLng"`
	BLENearbyAddresses []string `json:"bleNearbyAddresses"`
}

type heartbeatBody struct {
	QRPayload          string   `json:"qrPayload"`
	Lat                float64  `json:"lat"`
	Lng                float64  `json:"lng"`
	BLENearbyAddresses []string `json:"bleNearbyAddresses"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameParam(w, r)
	if !ok {
		return
	}
	var body checkinBody
	if !decode(w, r, &body) {
		return
	}
	kind, err := s.mgr.Checkin(r.Context(), gameID, callerAddress(r), game.CheckinRequest{
		Lat:            body.Lat,
		Lng:            body.Lng,
		QRPayload:      body.QRPayload,
		BluetoothToken: body.BluetoothID,
		BLENearby:      body.BLENearbyAddresses,
	})
	s.writeOutcome(w, kind, err)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameParam(w, r)
	if !ok {
		return
	}
	var body locationBody
	if !decode(w, r, &body) {
		return
	}
	at := time.Unix(body.Timestamp, 0)
	if body.Timestamp > 1e12 { // milliseconds
		at = time.UnixMilli(body.Timestamp)
	}
	kind, err := s.mgr.Location(r.Context(), gameID, callerAddress(r), body.Lat, body.Lng, at)
	s.writeOutcome(w, kind, err)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameParam(w, r)
	if !ok {
		return
	}
	var body killBody
	if !decode(w, r, &body) {
		return
	}
	kind, err := s.mgr.Kill(r.Context(), gameID, callerAddress(r),
		body.QRPayload, body.HunterLat, body.HunterLng, body.BLENearbyAddresses)
	s.writeOutcome(w, kind, err)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameParam(w, r)
	if !ok {
		return
	}
	var body heartbeatBody
	if !decode(w, r, &body) {
		return
	}
	scanned, kind, err := s.mgr.Heartbeat(r.Context(), gameID, callerAddress(r),
		body.QRPayload, body.Lat, body.Lng, body.BLENearbyAddresses)
	if err != nil || kind != verify.KindNone {
		s.writeOutcome(w, kind, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Success: true, ScannedPlayerNumber: scanned})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	gameID, ok := gameParam(w, r)
	if !ok {
		return
	}
	status, err := s.mgr.GameStatus(r.Context(), gameID)
	if err != nil {
		s.writeOutcome(w, verify.KindNone, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCheckAutoStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.CheckAutoStart(r.Context()); err != nil {
		s.writeOutcome(w, verify.KindNone, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Success: true})
}

// writeOutcome maps (kind, err) to the wire: rejections are 200 with the kind
// string, lifecycle errors get their HTTP status.
func (s *Server) writeOutcome(w http.ResponseWriter, kind verify.Kind, err error) {
	switch {
	case errors.Is(err, game.ErrGameNotFound):
		writeJSON(w, http.StatusNotFound, resultBody{Error: "gameNotFound"})
	case errors.Is(err, game.ErrGameNotActive):
		writeJSON(w, http.StatusConflict, resultBody{Error: "gameNotActive"})
	case err != nil:
		s.log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, resultBody{Error: "internal"})
	case kind != verify.KindNone:
		writeJSON(w, http.StatusOK, resultBody{Error: string(kind)})
	default:
		writeJSON(w, http.StatusOK, resultBody{Success: true})
	}
}

func gameParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, resultBody{Error: "badGameId"})
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, resultBody{Error: "badRequest"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
