// Package daemonserver wires the custody service to its RPC transport.
package daemonserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"custody-signer/go-backend/internal/adapters/rpc"
	"custody-signer/go-backend/internal/composition/custodyservice"
	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/internal/platform/metrics"
	"custody-signer/go-backend/internal/platform/privacylog"
	"custody-signer/go-backend/internal/platform/ratelimiter"
)

// NewLogger returns a JSON logger whose identifiers are fingerprinted and
// whose secrets are redacted before they reach w.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))), nil
}

// NewRPCServer builds the custody service from cfg and exposes it over
// JSON-RPC with metrics, rate limiting and token auth.
func NewRPCServer(cfg config.Config, build rpc.BuildInfo, logger *slog.Logger) (*rpc.Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, err := config.ResolveListenAddress(cfg.ListenAddress)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	recorder := metrics.New()
	svc, err := custodyservice.Build(cfg, recorder, logger)
	if err != nil {
		return nil, err
	}
	if err := svc.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("custody service not ready: %w", err)
	}
	if !cfg.PersistenceEnabled() {
		logger.Warn("persistence disabled; identities and vault entries live in memory only")
	}
	return rpc.NewServerWithService(rpc.ServerOptions{
		Addr:     addr,
		RPCToken: cfg.RPCToken,
		RateLimit: ratelimiter.Config{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		Metrics: recorder,
		Logger:  logger,
		Build:   build,
	}, svc), nil
}
