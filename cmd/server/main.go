package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/retail-pos/internal/adapter/auth"
	"github.com/rl1809/retail-pos/internal/adapter/handler"
	"github.com/rl1809/retail-pos/internal/adapter/messaging"
	"github.com/rl1809/retail-pos/internal/adapter/storage"
	"github.com/rl1809/retail-pos/internal/config"
	"github.com/rl1809/retail-pos/internal/core/eventbus"
	"github.com/rl1809/retail-pos/internal/core/service"
	"github.com/rl1809/retail-pos/internal/logger"
	"github.com/rl1809/retail-pos/internal/port"
)

func main() {
	configPath := flag.String("config", ".", "directory holding app.env")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.AppName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MySQL is required: settlements cannot run without it.
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	log.Info("connected to mysql")

	// Redis is optional: admission falls back to process-local counters.
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: cfg.RedisConnectTimeout,
		PoolSize:    100,
		MaxRetries:  -1,
	})

	redisAdapter := storage.NewRedisAdapter(rdb)
	memoryAdapter := storage.NewMemoryAdapter()
	mysqlAdapter := storage.NewMySQLAdapter(db)

	monitor := storage.NewRedisMonitor(redisAdapter, storage.MonitorConfig{
		HealthInterval: cfg.RedisHealthInterval,
		PingTimeout:    cfg.RedisConnectTimeout,
		BackoffStep:    cfg.RedisBackoffStep,
		BackoffMax:     cfg.RedisBackoffMax,
		MaxRetries:     cfg.RedisMaxRetries,
	}, log.Named("redis"))

	healthServer := health.NewServer()
	handler.SetPrimaryServing(healthServer, monitor.Available())
	monitor.OnStateChange(func(s storage.ConnState) {
		handler.SetPrimaryServing(healthServer, s == storage.StateConnected)
	})

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer background.Done()
		memoryAdapter.Run(ctx, cfg.RateGeneralWindow)
	}()

	admission := service.NewAdmissionService(redisAdapter, memoryAdapter, monitor, service.AdmissionConfig{
		Budgets:        cfg.Budgets(),
		PrimaryTimeout: cfg.RatePrimaryTimeout,
	}, log.Named("admission"))

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	hub := eventbus.NewHub(verifier, cfg.WSSendBuffer, log.Named("realtime"))

	notifiers := []port.StockNotifier{hub}
	var relay *messaging.AMQPRelay
	var publisher *messaging.AMQPPublisher
	if cfg.AMQPEnabled {
		publisher, err = messaging.DialAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, messaging.PublisherConfig{
			ReconnectDelay:       cfg.AMQPReconnectDelay,
			MaxReconnectAttempts: cfg.AMQPMaxReconnectAttempts,
		}, log.Named("amqp"))
		if err != nil {
			// The relay is a convenience for other services; the POS keeps working without it.
			log.Error("stock relay disabled", zap.Error(err))
		} else {
			relay = messaging.NewAMQPRelay(publisher, messaging.RelayConfig{
				Workers:   cfg.AMQPWorkers,
				QueueSize: cfg.AMQPQueueSize,
			}, log.Named("relay"))
			relay.Start()
			notifiers = append(notifiers, relay)
		}
	}

	settlement := service.NewSettlementService(mysqlAdapter, service.SettlementConfig{
		Timeout:     cfg.SettlementTimeout,
		MaxAttempts: cfg.SettlementMaxAttempts,
	}, log.Named("settlement"), notifiers...)

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.AdmissionInterceptor(admission),
		handler.AuthInterceptor(verifier),
	))
	handler.RegisterSettlementServer(grpcServer, handler.NewGRPCHandler(settlement, log.Named("grpc")))
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP
	trustedProxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	httpHandler := handler.NewHTTPHandler(settlement, mysqlAdapter, verifier, log.Named("http"))
	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpHandler.Router(handler.RouterConfig{
			Admission:      admission,
			Realtime:       handler.NewWSHandler(hub, cfg.AllowedOrigins(), log.Named("ws")),
			MetricsEnabled: cfg.MetricsEnabled,
			AllowedOrigins: cfg.AllowedOrigins(),
			TrustedProxies: trustedProxies,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	if relay != nil {
		relay.Close()
		publisher.Close()
		log.Info("stock relay stopped")
	}

	cancel()
	background.Wait()

	rdb.Close()
	db.Close()
	log.Info("connections closed")
	return nil
}
