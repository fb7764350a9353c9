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

	"custody-signer/go-backend/internal/adapters/rpc"
	"custody-signer/go-backend/internal/composition/daemonserver"
	"custody-signer/go-backend/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to custody.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address, host:port or multiaddr (overrides config)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-Custody-RPC-Token; \"auto\" generates one")
	dataDir := flag.String("data-dir", "", "Directory for encrypted daemon state (overrides config)")
	logLevel := flag.String("log-level", "", "debug | info | warn | error (overrides config)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("custody-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("custody-daemon failed to load config: %v", err)
	}
	if *rpcAddr != "" {
		cfg.ListenAddress = *rpcAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *rpcToken != "" {
		cfg.RPCToken = *rpcToken
	}
	cfg.RPCToken, err = rpc.ResolveRPCToken(cfg.RPCToken, filepath.Join(cfg.DataDir, "rpc.token"))
	if err != nil {
		log.Fatalf("custody-daemon failed to resolve rpc token: %v", err)
	}

	logger, err := daemonserver.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		log.Fatalf("custody-daemon invalid log level: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := daemonserver.NewRPCServer(cfg, rpc.BuildInfo{Version: version, Commit: commit}, logger)
	if err != nil {
		log.Fatalf("custody-daemon failed to initialize: %v", err)
	}

	logger.Info("custody-daemon starting", "version", version)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("custody-daemon failed: %v", err)
	}
	logger.Info("custody-daemon stopped")
}
