package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jaydenbeard/powerauth-core/internal/cache"
	"github.com/jaydenbeard/powerauth-core/internal/config"
	"github.com/jaydenbeard/powerauth-core/internal/hsm"
	"github.com/jaydenbeard/powerauth-core/internal/qrcode"
	"github.com/jaydenbeard/powerauth-core/internal/registry"
	"github.com/jaydenbeard/powerauth-core/internal/server"
	"github.com/jaydenbeard/powerauth-core/internal/store"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting PowerAuth enrollment server: %s", cfg.ServerID)

	// Activation storage: Postgres when configured, SQLite otherwise
	// (single-node/offline demo runs).
	var activationStore store.Store
	if cfg.PostgresURL != "" && !strings.Contains(cfg.PostgresURL, "localhost:5432") {
		pg, err := store.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		activationStore = pg
	} else {
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open SQLite store: %v", err)
		}
		activationStore = sq
	}
	defer func() {
		if err := activationStore.Close(); err != nil {
			log.Printf("warning: failed to close activation store: %v", err)
		}
	}()

	nonceCache, err := cache.NewNonceCache(cfg.RedisURL, 5*time.Minute)
	if err != nil {
		log.Fatalf("failed to connect to Redis nonce cache: %v", err)
	}
	defer func() {
		if err := nonceCache.Close(); err != nil {
			log.Printf("warning: failed to close nonce cache: %v", err)
		}
	}()

	// Master server key: software-backed in this demo; a production
	// deployment swaps hsm.Provider for a PKCS#11/cloud-HSM-backed one
	// without touching cmd/enrollmentserver or internal/server.
	hsmProvider := hsm.NewSoftwareHSM()
	if err := hsmProvider.GenerateKey(context.Background(), hsm.KeyMasterServer); err != nil {
		log.Fatalf("failed to provision master server key: %v", err)
	}
	masterKey := hsm.NewSigner(hsmProvider, hsm.KeyMasterServer)

	serviceRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("failed to connect to Consul: %v", err)
	}
	if err := serviceRegistry.Register(); err != nil {
		log.Fatalf("failed to register service: %v", err)
	}
	defer func() {
		if err := serviceRegistry.Deregister(); err != nil {
			log.Printf("warning: failed to deregister service: %v", err)
		}
	}()

	counterLock := cache.NewCounterLock(nonceCache.Client(), 30*time.Second)
	rateLimiter := cache.NewRateLimiter(nonceCache.Client(), 30, time.Minute)

	qrService, err := qrcode.NewService(cfg.MinioURL, cfg.MinioKey, cfg.MinioSecret, cfg.MinioBucket, false)
	if err != nil {
		log.Printf("warning: QR code service unavailable, disabling /activation/qrcode: %v", err)
	}

	srv := server.New(server.Config{
		Addr:        ":" + cfg.ServerPort,
		Store:       activationStore,
		NonceCache:  nonceCache,
		CounterLock: counterLock,
		RateLimiter: rateLimiter,
		MasterKey:   masterKey,
		QRCode:      qrService,
		AdminSecret: []byte(cfg.AdminSecret),
	})

	go func() {
		log.Printf("enrollment server listening on port %s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v - starting graceful shutdown", sig)

	log.Println("deregistering from service discovery")
	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister from service discovery: %v", err)
	}

	log.Println("waiting 5 seconds for load balancer to update")
	time.Sleep(5 * time.Second)

	log.Println("stopping HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("warning: HTTP server shutdown error: %v", err)
	}

	log.Println("server stopped gracefully")
}
