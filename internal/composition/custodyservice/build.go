package custodyservice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/internal/netkeys"
	"custody-signer/go-backend/internal/platform/metrics"
)

const (
	rootFileName     = "network-root.enc"
	registryFileName = "registry.enc"
	vaultFileName    = "vault.enc"
)

type Options struct {
	SessionMaxTTL time.Duration
	HandleTTL     time.Duration
	MaxPayload    int
	DataDir       string
	StorageSecret string
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

// New wires the domains around root. With a data dir and storage secret the
// registry and vault are restored from and written to encrypted files.
func New(root *netkeys.Root, opts Options) (*Service, error) {
	if root == nil {
		return nil, fmt.Errorf("network root is required")
	}
	s, err := newService(root, opts)
	if err != nil {
		return nil, err
	}
	if opts.DataDir == "" || opts.StorageSecret == "" {
		return s, nil
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s.registry.Configure(filepath.Join(opts.DataDir, registryFileName), opts.StorageSecret)
	if err := s.registry.Bootstrap(); err != nil {
		return nil, fmt.Errorf("restore registry: %w", err)
	}
	s.vault.Configure(filepath.Join(opts.DataDir, vaultFileName), opts.StorageSecret)
	if err := s.vault.Bootstrap(); err != nil {
		return nil, fmt.Errorf("restore vault: %w", err)
	}
	return s, nil
}

// Build resolves the network root from cfg and constructs the service.
// An explicit root secret wins; otherwise the root is loaded from (or created
// in) the data dir, and without persistence an ephemeral root is generated.
func Build(cfg config.Config, recorder *metrics.Recorder, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := resolveRoot(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := Options{
		SessionMaxTTL: cfg.SessionMaxTTL,
		HandleTTL:     cfg.HandleTTL,
		Metrics:       recorder,
		Logger:        logger,
	}
	if cfg.PersistenceEnabled() {
		opts.DataDir = cfg.DataDir
		opts.StorageSecret = cfg.StorageSecret
	}
	return New(root, opts)
}

func resolveRoot(cfg config.Config, logger *slog.Logger) (*netkeys.Root, error) {
	if cfg.RootSecretHex != "" {
		root, err := netkeys.ParseHexRoot(cfg.RootSecretHex)
		if err != nil {
			return nil, fmt.Errorf("parse network root: %w", err)
		}
		return root, nil
	}
	if cfg.PersistenceEnabled() {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		root, created, err := netkeys.LoadOrCreate(filepath.Join(cfg.DataDir, rootFileName), cfg.StorageSecret)
		if err != nil {
			return nil, fmt.Errorf("load network root: %w", err)
		}
		if created {
			logger.Info("network root created", "component", componentName, "operation", "bootstrap")
		}
		return root, nil
	}
	root, err := netkeys.GenerateRoot()
	if err != nil {
		return nil, err
	}
	logger.Warn("no storage secret configured; using an ephemeral network root",
		"component", componentName, "operation", "bootstrap")
	return root, nil
}

// Ping checks that the sealing key can be derived. The daemon server calls it
// before it starts listening.
func (s *Service) Ping(ctx context.Context) error {
	if _, err := s.SealingKey(ctx); err != nil {
		s.logWarn(ctx, "bootstrap", "sealing key probe failed")
		return err
	}
	return nil
}
