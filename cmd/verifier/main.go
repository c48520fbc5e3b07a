package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/audionet/verifier/internal/blobcrypt"
	"github.com/audionet/verifier/internal/config"
	"github.com/audionet/verifier/internal/embedding"
	"github.com/audionet/verifier/internal/events"
	"github.com/audionet/verifier/internal/ingress"
	"github.com/audionet/verifier/internal/metrics"
	"github.com/audionet/verifier/internal/pipeline"
	"github.com/audionet/verifier/internal/rewards"
	"github.com/audionet/verifier/internal/session"
)

func main() {
	// Local development convenience; ignored when no .env exists.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(10)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := session.NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("init session schema: %v", err)
	}

	m := metrics.New()

	applier := rewards.NewApplier(db, m)
	if err := applier.InitSchema(ctx); err != nil {
		log.Fatalf("init reward schema: %v", err)
	}

	bus := events.NewBus()
	var publisher events.Publisher = bus
	redisPub := events.NewRedisPublisher(cfg.RedisURL)
	if redisPub != nil {
		publisher = events.Multi{bus, redisPub}
		defer redisPub.Close()
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	keys := blobcrypt.NewKeyServiceClient(cfg.KeyServiceURL, cfg.KeyPackageID, nil)
	decryptor := blobcrypt.NewDecryptor(cfg.AggregatorURL, cfg.AggregatorToken, keys, nil,
		blobcrypt.WithRetryNotify(func() { m.DecryptRetries.Inc() }))

	var fingerprint pipeline.FingerprintMatcher = pipeline.DisabledMatcher{}
	if cfg.FingerprintAPIKey != "" && cfg.FingerprintURL != "" {
		fingerprint = pipeline.NewHTTPFingerprintMatcher(cfg.FingerprintURL, cfg.FingerprintAPIKey, httpClient)
	} else {
		log.Println("fingerprint service not configured, copyright checks disabled")
	}

	runner := pipeline.NewRunner(pipeline.Deps{
		Store:       store,
		Quality:     pipeline.NewHTTPQualityChecker(cfg.QualityURL, nil),
		Fingerprint: fingerprint,
		Transcriber: pipeline.NewHTTPTranscriber(cfg.TranscriptionURL, cfg.TranscriptionAPIKey, nil),
		Analyzer:    pipeline.NewHTTPAnalyzer(cfg.AnalysisURL, cfg.AnalysisAPIKey, nil),
		Rewards:     applier,
		Embeddings:  embedding.NewService(cfg.EmbeddingURL, cfg.EmbeddingAPIKey, nil),
		Events:      publisher,
		Metrics:     m,
	})

	pool := pipeline.NewPool(runner, cfg.MaxConcurrentPipelines)
	pool.Start(ctx)

	srv := ingress.NewServer(cfg, store, decryptor, pool, bus, m)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("http server: %v", err)
		}
	case <-ctx.Done():
		log.Println("shutdown signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	pool.Shutdown()
	log.Println("verifier stopped")
}
