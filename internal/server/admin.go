package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// adminClaims is the JWT payload for the operator console, issued by
// handleAdminLogin and verified by adminAuthMiddleware (teacher pattern:
// internal/auth.Claims + jwt.SigningMethodHS256).
type adminClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

type adminLoginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type adminLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleAdminLogin issues a short-lived admin console JWT to any caller
// who presents the configured AdminSecret. There is no per-operator
// account store in this demo; the secret is the single shared
// credential an operator's reverse proxy is expected to gate behind its
// own authentication.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Secret == "" || req.Secret != string(s.adminSecret) {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return
	}

	expiry := time.Now().Add(2 * time.Hour)
	claims := &adminClaims{
		Subject: req.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.adminSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign admin token")
		return
	}
	writeJSON(w, http.StatusOK, adminLoginResponse{Token: signed, ExpiresAt: expiry})
}

// adminAuthMiddleware requires a valid Bearer admin JWT issued by
// handleAdminLogin.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.ParseWithClaims(tokenString, &adminClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.adminSecret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid or expired admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deadlockedActivationView redacts the opaque state blob from the
// admin console's listing; an operator needs the id and timestamps to
// decide whether to contact the device owner, never the raw PowerAuth
// persistent data.
type deadlockedActivationView struct {
	ActivationID string    `json:"activationId"`
	FailCount    int       `json:"failCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// handleAdminListDeadlocked lists activations the counter
// resynchronization decision table has put into Deadlock (spec §4.5),
// which require manual operator intervention to recover.
func (s *Server) handleAdminListDeadlocked(w http.ResponseWriter, r *http.Request) {
	deadlocked, err := s.store.ListDeadlocked(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]deadlockedActivationView, 0, len(deadlocked))
	for _, a := range deadlocked {
		views = append(views, deadlockedActivationView{
			ActivationID: a.ActivationID,
			FailCount:    a.FailCount,
			CreatedAt:    a.CreatedAt,
			UpdatedAt:    a.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}
