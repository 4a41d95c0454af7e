package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/ledger/abci"
	"github.com/ahmadzakiakmal/freight-negotiation/ledger/repository"
	"github.com/ahmadzakiakmal/freight-negotiation/ledger/server"
	"github.com/ahmadzakiakmal/freight-negotiation/ledger/srvreg"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

var (
	homeDir          string
	httpPort         string
	postgresHost     string
	consensusTimeout time.Duration
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/ledger-node", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "5000", "HTTP web server port")
	flag.StringVar(&postgresHost, "postgres-host", "ledger-postgres0:5432", "DB host address")
	flag.DurationVar(&consensusTimeout, "consensus-timeout", 30*time.Second, "How long a confirmation waits to be committed")
}

func main() {
	flag.Parse()

	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}

	// Load CometBFT configuration
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err := cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}

	logger.Info("Starting rate confirmation ledger node",
		"home", homeDir,
		"http_port", httpPort,
		"postgres_host", postgresHost,
	)

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", postgresHost)
	repo := repository.NewRepository(logger.With("module", "repository"))
	repo.SetConsensusTimeout(consensusTimeout)
	if err := repo.ConnectDB(dsn); err != nil {
		log.Fatalf("Connecting to PostgreSQL: %v", err)
	}

	// Badger holds the replicated ledger state
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening badger database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Closing badger database: %v", err)
		}
	}()

	serviceRegistry := srvreg.NewServiceRegistry(repo, logger.With("module", "srvreg"))
	serviceRegistry.RegisterDefaultServices()

	appConfig := &abci.AppConfig{
		NodeID:    filepath.Base(homeDir),
		LogAllTxs: true,
	}
	abciApp := abci.NewABCIApplication(db, appConfig, logger.With("module", "abci"))

	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("Failed to load node's key: %v", err)
	}

	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(abciApp),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating CometBFT node: %v", err)
	}

	abciApp.SetNodeID(string(node.NodeInfo().ID()))
	logger.Info("Ledger node initialized", "node_id", string(node.NodeInfo().ID()))

	rpcClient := cmtrpc.New(node)
	repo.SetupRpcClient(rpcClient)

	logger.Info("Starting CometBFT node...")
	if err := node.Start(); err != nil {
		log.Fatalf("Starting CometBFT node: %v", err)
	}
	defer func() {
		logger.Info("Stopping CometBFT node...")
		node.Stop()
		node.Wait()
	}()

	webserver := server.NewWebServer(abciApp, httpPort, logger.With("module", "server"), rpcClient, config.RPC.ListenAddress, serviceRegistry)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	logger.Info("Ledger node started",
		"http", fmt.Sprintf("http://localhost:%s", httpPort),
		"rpc", config.RPC.ListenAddress,
		"node_id", string(node.NodeInfo().ID()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP web server", "err", err)
	}
	logger.Info("Ledger node gracefully stopped")
}
