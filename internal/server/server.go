// Package server implements the demo PowerAuth enrollment and
// signature-verification HTTP service: a thin façade over
// internal/powerauth that exercises every core operation over the
// wire, in the teacher's gorilla/mux + rs/cors style
// (cmd/chatserver/main.go).
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jaydenbeard/powerauth-core/internal/cache"
	"github.com/jaydenbeard/powerauth-core/internal/hsm"
	"github.com/jaydenbeard/powerauth-core/internal/qrcode"
	"github.com/jaydenbeard/powerauth-core/internal/store"
	"github.com/jaydenbeard/powerauth-core/internal/telemetry"
)

// Server wires the activation/signature HTTP API, the admin console
// API, and the event feed around a Store, a NonceCache, and an HSM
// Provider holding the master server key.
type Server struct {
	store       store.Store
	nonceCache  *cache.NonceCache
	counterLock *cache.CounterLock
	rateLimiter *cache.RateLimiter // optional; nil disables rate limiting
	masterKey   *hsm.Signer
	qr          *qrcode.Service
	adminSecret []byte
	feed        *EventFeed
	logger      *log.Logger
	httpServer  *http.Server
}

// Config bundles the dependencies New needs.
type Config struct {
	Addr        string
	Store       store.Store
	NonceCache  *cache.NonceCache
	CounterLock *cache.CounterLock
	RateLimiter *cache.RateLimiter // optional; nil disables rate limiting
	MasterKey   *hsm.Signer
	QRCode      *qrcode.Service // optional; nil disables /activation/qrcode
	AdminSecret []byte
}

// New builds the router and wraps it in an *http.Server, ready for
// ListenAndServe.
func New(cfg Config) *Server {
	s := &Server{
		store:       cfg.Store,
		nonceCache:  cfg.NonceCache,
		counterLock: cfg.CounterLock,
		rateLimiter: cfg.RateLimiter,
		masterKey:   cfg.MasterKey,
		qr:          cfg.QRCode,
		adminSecret: cfg.AdminSecret,
		feed:        NewEventFeed(),
		logger:      log.New(os.Stdout, "[SERVER] ", log.Ldate|log.Ltime|log.LUTC),
	}

	router := mux.NewRouter()
	router.Use(securityHeadersMiddleware)
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", telemetry.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/activation/start", s.rateLimited(http.HandlerFunc(s.handleActivationStart))).Methods("POST")
	api.HandleFunc("/activation/validate", s.handleActivationValidate).Methods("POST")
	api.HandleFunc("/activation/complete", s.handleActivationComplete).Methods("POST")
	api.HandleFunc("/activation/{activationId}/status", s.handleStatusDecode).Methods("POST")
	api.HandleFunc("/activation/qrcode", s.handleActivationQRCode).Methods("POST")
	api.HandleFunc("/signature/verify", s.handleSignatureVerify).Methods("POST")
	api.HandleFunc("/ecies/encrypt", s.handleEciesEncrypt).Methods("POST")

	admin := router.PathPrefix("/api/admin").Subrouter()
	admin.Handle("/login", s.rateLimited(http.HandlerFunc(s.handleAdminLogin))).Methods("POST")
	protectedAdmin := admin.PathPrefix("").Subrouter()
	protectedAdmin.Use(s.adminAuthMiddleware)
	protectedAdmin.HandleFunc("/activations", s.handleAdminListDeadlocked).Methods("GET")
	protectedAdmin.HandleFunc("/events", s.feed.ServeWS).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{os.Getenv("ADMIN_CONSOLE_ORIGIN")},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-PowerAuth-Authorization"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.Close()
	return s.httpServer.Shutdown(ctx)
}

// rateLimited wraps next with a per-IP sliding-window check (teacher
// pattern: internal/middleware/ratelimit.go's allowIPRequest), guarding
// the two endpoints a brute-force actor would target: activation start
// (burns activation codes) and admin login (guesses the admin secret).
// A nil RateLimiter (e.g. no Redis configured) disables the check.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		ok, err := s.rateLimiter.Allow(r.Context(), "ip:"+ip)
		if err != nil {
			s.logger.Printf("rate limiter error, failing open: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		telemetry.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(rec.status)).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
