package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/chainassassin/server/internal/auth"
)

type ctxKey int

const addressKey ctxKey = iota

// callerAddress returns the verified wallet set by signedAuth.
func callerAddress(r *http.Request) common.Address {
	addr, _ := r.Context().Value(addressKey).(common.Address)
	return addr
}

// signedAuth verifies the X-Address / X-Signature / X-Message header triple.
// The message is "chain-assassin:{timestamp}" signed with personal_sign.
func (s *Server) signedAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := s.verifyHeaders(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, resultBody{Error: "invalidSignature"})
			return
		}
		ctx := context.WithValue(r.Context(), addressKey, addr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminAuth accepts either a bearer token matched against the configured
// bcrypt hash or an operator-signed header triple.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			if s.cfg.AdminTokenBcrypt != "" &&
				bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenBcrypt), []byte(token)) == nil {
				next.ServeHTTP(w, r)
				return
			}
			writeJSON(w, http.StatusUnauthorized, resultBody{Error: "invalidToken"})
			return
		}

		addr, ok := s.verifyHeaders(r)
		if !ok || s.operator == (common.Address{}) || addr != s.operator {
			s.log.Info("admin call rejected", zap.String("address", addr.Hex()))
			writeJSON(w, http.StatusUnauthorized, resultBody{Error: "notOperator"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifyHeaders(r *http.Request) (common.Address, bool) {
	var (
		addrHex   = r.Header.Get("X-Address")
		signature = r.Header.Get("X-Signature")
		message   = r.Header.Get("X-Message")
	)
	if addrHex == "" || signature == "" || message == "" {
		return common.Address{}, false
	}
	if _, err := auth.ParseRequestMessage(message, time.Now(), s.cfg.SkewWindow); err != nil {
		return common.Address{}, false
	}
	recovered, err := auth.Recover(message, signature)
	if err != nil || !strings.EqualFold(recovered.Hex(), addrHex) {
		return common.Address{}, false
	}
	return recovered, true
}
