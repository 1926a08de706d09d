package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/api"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/audit"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/auth"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/config"
	persistence "github.com/FauzanSarwer/Fitdex-sub000/internal/persistence/postgres"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/qr"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/ratelimit"
	syncsvc "github.com/FauzanSarwer/Fitdex-sub000/internal/sync"
	httptransport "github.com/FauzanSarwer/Fitdex-sub000/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	repo := persistence.NewRepository(pool)

	producer := audit.NewKafkaProducer(cfg.KafkaBrokers, cfg.AuditTopic)
	defer producer.Close()
	relay := audit.NewRelay(pool, producer, cfg.AuditPollInterval, cfg.AuditBatchSize)
	go relay.Start(ctx)

	keys := qr.NewKeyService(repo)
	rotator := qr.NewRotator(qr.RotatorConfig{
		Enabled:  cfg.RotationEnabled,
		Interval: cfg.RotationInterval,
		ActorID:  cfg.RotationActorID,
	}, repo, keys)
	rotator.Start(ctx)

	syncLimiter := ratelimit.NewRedisLimiter(redisClient, "rl:sync", cfg.SyncRateLimit, cfg.RateLimitWindow)
	ipLimiter := ratelimit.NewRedisLimiter(redisClient, "rl:verify:ip", cfg.VerifyRateLimit, cfg.RateLimitWindow)
	scanLimiter := ratelimit.NewRedisLimiter(redisClient, "rl:verify:scan", cfg.VerifyRateLimit, cfg.RateLimitWindow)

	reconciler := syncsvc.NewReconciler(repo)
	verifier := qr.NewVerifier(repo, nil, scanLimiter)

	handler := api.NewHandler(reconciler, verifier, syncLimiter, ipLimiter)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(
		auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
		func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics")
		},
	)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:           cfg.HTTPAddress,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("fitness sync service listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	rotator.Stop()
	relay.Wait()
}
