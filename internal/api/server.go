// Package api is the REST surface. Requests carry signed-header auth
// (X-Address / X-Signature / X-Message); verification rejections come back as
// {success:false, error} with HTTP 200 so clients can surface the string.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/config"
	"github.com/chainassassin/server/internal/game"
	"github.com/chainassassin/server/internal/verify"
)

// Coordinator is the slice of the game manager the REST layer calls.
type Coordinator interface {
	Checkin(ctx context.Context, gameID uint64, addr common.Address, req game.CheckinRequest) (verify.Kind, error)
	Location(ctx context.Context, gameID uint64, addr common.Address, lat, lng float64, at time.Time) (verify.Kind, error)
	Kill(ctx context.Context, gameID uint64, hunter common.Address, qrPayload string, lat, lng float64, bleNearby []string) (verify.Kind, error)
	Heartbeat(ctx context.Context, gameID uint64, scanner common.Address, qrPayload string, lat, lng float64, bleNearby []string) (int, verify.Kind, error)
	GameStatus(ctx context.Context, gameID uint64) (*game.Status, error)
	CheckAutoStart(ctx context.Context) error
}

type Server struct {
	mgr Coordinator
	hub http.Handler
	cfg config.AuthConfig
	// operator may sign admin calls; zero disables the signature path.
	operator common.Address
	log      *zap.Logger
}

func NewServer(mgr Coordinator, hub http.Handler, cfg config.AuthConfig, operator common.Address, log *zap.Logger) *Server {
	return &Server{mgr: mgr, hub: hub, cfg: cfg, operator: operator, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/games/{id}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Group(func(r chi.Router) {
				r.Use(s.signedAuth)
				r.Post("/checkin", s.handleCheckin)
				r.Post("/location", s.handleLocation)
				r.Post("/kill", s.handleKill)
				r.Post("/heartbeat", s.handleHeartbeat)
			})
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/check-auto-start", s.handleCheckAutoStart)
		})
	})
	return r
}
