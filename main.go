package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/example/faceshape-relay/internal/auth"
	"github.com/example/faceshape-relay/internal/config"
	"github.com/example/faceshape-relay/internal/grpchealth"
	"github.com/example/faceshape-relay/internal/handlers"
	"github.com/example/faceshape-relay/internal/logging"
	"github.com/example/faceshape-relay/internal/observability"
	"github.com/example/faceshape-relay/internal/repository"
	"github.com/example/faceshape-relay/internal/upload"
	"github.com/example/faceshape-relay/internal/upstream"
	"github.com/example/faceshape-relay/internal/usecase"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to an optional TOML config file")
	healthcheck := flag.Bool("healthcheck", false, "probe the gRPC health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthcheck {
		os.Exit(runHealthcheck(cfg))
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	instruments, shutdownTelemetry, err := observability.Init(ctx, observability.Options{
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  os.Getenv("ENVIRONMENT"),
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("failed to flush telemetry", zap.Error(err))
		}
	}()

	scratch, err := upload.NewScratch(cfg.Upload.Dir)
	if err != nil {
		return err
	}

	client, err := upstream.NewClient(upstream.Options{
		URL:     cfg.Upstream.Endpoint(),
		Host:    cfg.Upstream.Host,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout.Duration,
	}, nil, logger)
	if err != nil {
		return err
	}

	opts := []usecase.Option{
		usecase.WithResponseMode(cfg.Upstream.ResponseMode),
		usecase.WithTracer(instruments.Tracer("relay")),
		usecase.WithMeter(instruments.Meter("relay")),
	}
	if cfg.Journal.DSN != "" {
		repo, closeRepo, err := initJournal(ctx, cfg.Journal.DSN, logger)
		if err != nil {
			return err
		}
		defer closeRepo()
		opts = append(opts, usecase.WithJournal(repo))
	}
	if cfg.Status.RedisAddr != "" {
		redisClient, err := initRedis(ctx, cfg.Status.RedisAddr, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts = append(opts, usecase.WithStatusCache(usecase.NewRedisStatusCache(redisClient, cfg.Status.TTL.Duration)))
	}
	uc := usecase.NewRelayUseCase(client, scratch, logger, opts...)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName), handlers.AccessLog(logger))

	deps := handlers.Deps{
		Relay:          uc,
		Images:         scratch,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Logger:         logger,
	}
	if cfg.Auth.Enabled() {
		deps.Auth = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
		logger.Info("bearer authentication enabled")
	}
	handlers.RegisterRoutes(r, deps)

	var onShutdown func()
	if cfg.GRPC.HealthAddr != "" {
		healthServer, err := startHealthServer(cfg.GRPC.HealthAddr, logger)
		if err != nil {
			return err
		}
		healthServer.SetServing(true)
		defer healthServer.Stop()
		onShutdown = func() { healthServer.SetServing(false) }
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face shape relay listening",
		zap.String("addr", server.Addr),
		zap.String("upstream", cfg.Upstream.Endpoint()),
		zap.String("response_mode", cfg.Upstream.ResponseMode))
	return serveHTTPServer(server, cfg.Server.ShutdownTimeout.Duration, logger, onShutdown)
}

func initJournal(ctx context.Context, dsn string, logger *zap.Logger) (*repository.RelayRepository, func(), error) {
	db, err := repository.OpenPostgres(ctx, dsn, logger)
	if err != nil {
		return nil, nil, err
	}
	repo := repository.NewRelayRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return repo, closeFn, nil
}

func initRedis(ctx context.Context, addr string, logger *zap.Logger) (*redis.Client, error) {
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("redis.ping", "", err)
	}
	logger.Info("status cache connected to redis", zap.String("addr", addr))
	return client, nil
}

func startHealthServer(addr string, logger *zap.Logger) (*grpchealth.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, logging.NewOperationError("grpchealth.listen", "", err)
	}
	healthServer := grpchealth.NewServer(logger)
	go func() {
		if err := healthServer.Serve(listener); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	return healthServer, nil
}

func runHealthcheck(cfg config.Config) int {
	if cfg.GRPC.HealthAddr == "" {
		fmt.Fprintln(os.Stderr, "GRPC_HEALTH_ADDR is not configured")
		return 1
	}
	serving, err := grpchealth.Probe(context.Background(), cfg.GRPC.HealthAddr)
	if err != nil || !serving {
		fmt.Fprintf(os.Stderr, "relay not serving: %v\n", err)
		return 1
	}
	return 0
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, onShutdown func()) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil, onShutdown)
}

// serveHTTPServerWithOptions runs server until it fails or a signal arrives. onShutdown,
// when set, runs before in-flight requests are drained.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onShutdown func()) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if onShutdown != nil {
			onShutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
