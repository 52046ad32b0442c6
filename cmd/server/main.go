// server runs the store server: websocket store API plus health endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"talkline/internal/config"
	"talkline/internal/db"
	"talkline/internal/remote"
	"talkline/internal/remote/memory"
	"talkline/internal/remote/postgres"
	"talkline/internal/rules"
	"talkline/internal/security"
	"talkline/internal/server"
	"talkline/internal/telemetry"
	"talkline/internal/telemetry/otel"
	"talkline/internal/telemetry/producer"
	"talkline/internal/verification"
	"talkline/internal/verification/phoneauth"
	"talkline/internal/verification/sms"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "talkline-server", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer cleanup()

	engine, err := loadRules(cfg)
	if err != nil {
		log.Fatalf("rules: %v", err)
	}

	tokens, err := loadTokens(cfg)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	var events telemetry.EventEmitter
	if brokers := cfg.TelemetryKafkaBrokersList(); len(brokers) > 0 {
		kp, err := producer.NewKafkaProducer(brokers, cfg.TelemetryKafkaTopic)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer kp.Close()
		events = kp
	}

	srv, err := server.New(server.Options{
		Store:    store,
		Rules:    engine,
		Tokens:   tokens,
		Verifier: buildVerifier(cfg, tokens),
		Events:   events,
	})
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("store server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down store server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("store server stopped")
}

// openStore opens the Postgres-backed store when DATABASE_URL is set, the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (remote.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set; using in-memory store")
		return memory.New(), func() {}, nil
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store, err := postgres.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		pool.Close()
	}, nil
}

func loadRules(cfg *config.Config) (*rules.Engine, error) {
	policy := ""
	if cfg.RulesPolicyFile != "" {
		raw, err := os.ReadFile(cfg.RulesPolicyFile)
		if err != nil {
			return nil, err
		}
		policy = string(raw)
	}
	return rules.New(policy)
}

// loadTokens builds the identity-token provider; without configured keys the
// server refuses authenticated ops but still serves health checks.
func loadTokens(cfg *config.Config) (*security.TokenProvider, error) {
	if cfg.JWTPrivateKey == "" || cfg.JWTPublicKey == "" {
		log.Println("JWT keys not configured; sockets cannot authenticate")
		return nil, nil
	}
	priv, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return nil, err
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	return security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.IdentityTTL()), nil
}

func buildVerifier(cfg *config.Config, tokens *security.TokenProvider) verification.Provider {
	opts := phoneauth.Options{
		Tokens:     tokens,
		CodeTTL:    cfg.CodeTTL(),
		AutoDetect: cfg.OTPAutoDetect,
	}
	if cfg.SMSLocalAPIKey != "" {
		opts.SMS = sms.NewLocalClient(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSLocalSender)
	}
	return phoneauth.New(opts)
}
