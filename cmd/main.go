/**
 * @description
 * This is the main entry point for the reconciliation-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, ledger RPC clients, the message broker, the
 * reconciliation engine, the per-ledger ingestion pipelines, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Admin rate limiting.
 * - internal/*: Service packages.
 * - pkg/evmrpc, pkg/solanarpc, pkg/rabbitmq: External transport clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aurum/reconciliation-service/internal/api"
	"github.com/aurum/reconciliation-service/internal/app"
	"github.com/aurum/reconciliation-service/internal/config"
	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
	"github.com/aurum/reconciliation-service/internal/normalize"
	"github.com/aurum/reconciliation-service/internal/notify"
	"github.com/aurum/reconciliation-service/internal/reconcile"
	"github.com/aurum/reconciliation-service/internal/scheduler"
	"github.com/aurum/reconciliation-service/internal/store"
	"github.com/aurum/reconciliation-service/pkg/evmrpc"
	"github.com/aurum/reconciliation-service/pkg/rabbitmq"
	"github.com/aurum/reconciliation-service/pkg/retry"
	"github.com/aurum/reconciliation-service/pkg/solanarpc"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting reconciliation-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for lifecycle notifications. A missing
	// broker is survivable: the engine leaves notified flags unset, so sends
	// are retried once the broker is back and the events are redelivered.
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	var publisher rabbitmq.Publisher
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; notifications will retry on redelivery\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the admin endpoint rate limit. Optional.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; admin rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; admin rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; admin rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	repository := store.NewPostgresRepository(dbpool)

	// Asset tables: EVM contract keys are normalized to lowercase because hex
	// addresses compare case-insensitively; Solana program ids are base58 and
	// case-sensitive, so they stay verbatim.
	evmAssets := map[string]string{}
	for address, asset := range cfg.EVMAssets() {
		evmAssets[strings.ToLower(address)] = asset
	}
	solanaAssets := cfg.SolanaAssets()

	normalizer := normalize.NewNormalizer(normalize.AssetTable{
		domain.LedgerEVM:    evmAssets,
		domain.LedgerSolana: solanaAssets,
	})

	dispatcher := notify.NewAMQPDispatcher(publisher)
	lookupRetry := retry.Fixed(cfg.LookupRetryAttempts, time.Duration(cfg.LookupRetryDelayMS)*time.Millisecond)
	engine := reconcile.NewEngine(repository, dispatcher, lookupRetry)

	rpcRetry := retry.Backoff(cfg.BatchRetryAttempts, time.Duration(cfg.BatchRetryDelayMS)*time.Millisecond, 10*time.Second)
	batchRetry := retry.Backoff(cfg.BatchRetryAttempts, time.Duration(cfg.BatchRetryDelayMS)*time.Millisecond, 30*time.Second)

	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Build one adapter and pipeline per configured ledger. A deployment may
	// watch a single chain.
	var adapters []ledger.Adapter
	var pipelines []*scheduler.Pipeline

	if strings.TrimSpace(cfg.EVMRPCURL) != "" {
		addresses := make([]string, 0, len(evmAssets))
		for address := range evmAssets {
			addresses = append(addresses, address)
		}
		evmAdapter := ledger.NewEVMAdapter(evmrpc.NewClient(cfg.EVMRPCURL), addresses, rpcRetry, time.Duration(cfg.EVMPollSeconds)*time.Second)
		adapters = append(adapters, evmAdapter)
		pipelines = append(pipelines, scheduler.NewPipeline(evmAdapter, normalizer, engine, repository, scheduler.PipelineConfig{
			BatchSize:   cfg.IngestBatchSize,
			StartHeight: cfg.EVMStartHeight,
			BatchRetry:  batchRetry,
		}, slogger))
	}
	if strings.TrimSpace(cfg.SolanaRPCURL) != "" {
		programs := make([]string, 0, len(solanaAssets))
		for program := range solanaAssets {
			programs = append(programs, program)
		}
		solanaAdapter := ledger.NewSolanaAdapter(solanarpc.NewClient(cfg.SolanaRPCURL), programs, rpcRetry, time.Duration(cfg.SolanaPollSeconds)*time.Second)
		adapters = append(adapters, solanaAdapter)
		pipelines = append(pipelines, scheduler.NewPipeline(solanaAdapter, normalizer, engine, repository, scheduler.PipelineConfig{
			BatchSize:   cfg.IngestBatchSize,
			StartHeight: cfg.SolanaStartHeight,
			BatchRetry:  batchRetry,
		}, slogger))
	}
	if len(adapters) == 0 {
		log.Fatalf("level=fatal component=bootstrap msg=\"no ledger configured\" env=EVM_RPC_URL,SOLANA_RPC_URL")
	}

	supervisor := scheduler.NewSupervisor(pipelines, cfg.SweepSchedule, slogger)

	runCtx, stopPipelines := context.WithCancel(context.Background())
	defer stopPipelines()
	if err := supervisor.Start(runCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"pipeline start failed\" err=%v", err)
	}

	adminService := app.NewService(adapters, normalizer, engine, supervisor)
	adminHandlers := api.NewAdminHandlers(adminService)

	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisAdminRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	router := api.AdminRoutes(adminHandlers, api.RouterConfig{
		InternalAPIKey:          cfg.InternalAPIKey,
		RateLimiter:             limiter,
		AdminRateLimitPerMinute: cfg.AdminRateLimitPerMinute,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Let in-flight batches finish before the process exits.
	stopPipelines()
	supervisor.Stop()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
