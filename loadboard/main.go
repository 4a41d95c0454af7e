package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/config"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/ledgerclient"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/matching"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/notify"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/server"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/srvreg"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "", "Config file path (optional, environment variables override it)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Configuration validation failed: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.LogLevel)
	}

	log := logger.WithField("node_id", cfg.NodeID)
	log.WithFields(logrus.Fields{
		"http_port":       cfg.HTTPPort,
		"database_driver": cfg.DatabaseDriver,
		"ledger_endpoint": cfg.LedgerEndpoint,
		"negotiation_ttl": cfg.NegotiationTTL.String(),
	}).Info("Load board node starting up")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	repo := repository.NewRepository(log)
	if cfg.DatabaseDriver == "sqlite" {
		err = repo.ConnectSQLite(cfg.GetDSN())
	} else {
		err = repo.ConnectDB(cfg.GetDSN())
	}
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Notifications go to redis when configured, otherwise to the log
	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		notifier = notify.NewRedisNotifier(redisClient, cfg.RedisChannel)
		log.WithField("channel", cfg.RedisChannel).Info("Publishing negotiation events to redis")
	}

	// Ledger is optional. Leave the interface nil rather than holding a nil *Client.
	var ledger matching.Ledger
	if cfg.LedgerEndpoint != "" {
		client := ledgerclient.NewClient(cfg.LedgerEndpoint, cfg.NodeID)
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.HealthCheck(healthCtx); err != nil {
			log.WithError(err).Warn("Ledger health check failed, confirmations will fail until it is reachable")
		} else {
			log.Info("Ledger connection verified")
		}
		cancel()
		ledger = client
	}

	service := matching.NewService(repo, notifier, ledger, log, cfg.NegotiationTTL)
	if cfg.ExpirySweepInterval > 0 {
		go service.RunExpirySweeper(ctx, cfg.ExpirySweepInterval)
	}

	serviceRegistry := srvreg.NewServiceRegistry(service, log, cfg.NodeID)
	serviceRegistry.RegisterDefaultServices()

	webServer := server.NewWebServer(cfg.HTTPPort, serviceRegistry, log, cfg.NodeID, cfg.CORSOrigins)
	if err := webServer.Start(); err != nil {
		log.Fatalf("Failed to start web server: %v", err)
	}
	log.Infof("Load board node ready on http://localhost:%s", cfg.HTTPPort)

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during server shutdown")
	}
	log.Info("Load board node stopped")
}
