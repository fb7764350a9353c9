// Package nodeagent runs local readiness checks for a custody daemon
// deployment before or while it serves.
package nodeagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"custody-signer/go-backend/internal/adapters/rpc"
	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/internal/crypto"
	"custody-signer/go-backend/internal/netkeys"
	"custody-signer/go-backend/pkg/models"
)

const defaultProbeTimeout = 2 * time.Second

type DoctorInput struct {
	Config config.Config
	// Probe asks the configured daemon for its health and sealing key.
	Probe bool
}

type DoctorCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type DoctorReport struct {
	Ready     bool          `json:"ready"`
	Checks    []DoctorCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

type Service struct {
	now   func() time.Time
	probe func(ctx context.Context, cfg config.Config) (models.SealingKeyInfo, error)
}

func New() *Service {
	return &Service{
		now:   func() time.Time { return time.Now().UTC() },
		probe: probeDaemon,
	}
}

func (s *Service) Doctor(ctx context.Context, input DoctorInput) (DoctorReport, error) {
	cfg := input.Config
	report := DoctorReport{
		Ready:     true,
		Checks:    make([]DoctorCheck, 0, 8),
		CheckedAt: s.now(),
	}
	appendCheck := func(name string, err error) {
		check := DoctorCheck{Name: name, Pass: err == nil}
		if err != nil {
			check.Reason = err.Error()
			report.Ready = false
		}
		report.Checks = append(report.Checks, check)
	}

	appendCheck("config_valid", cfg.Validate())

	listen, err := config.ResolveListenAddress(cfg.ListenAddress)
	appendCheck("listen_address_valid", err)
	if err == nil && !input.Probe {
		appendCheck("listen_address_available", checkListenAvailable(listen))
	}

	appendCheck("rpc_token_set", requireSet(cfg.RPCToken, "rpc token is empty; the daemon would refuse every call"))
	appendCheck("root_secret_valid", checkRootSecret(cfg.RootSecretHex))

	if cfg.PersistenceEnabled() {
		appendCheck("data_dir_private", checkPrivateDir(cfg.DataDir))
	} else {
		appendCheck("persistence_enabled", errors.New("storage secret is empty; identities and entries would not survive a restart"))
	}

	if input.Probe {
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
		info, err := s.probe(probeCtx, cfg)
		appendCheck("rpc_reachable", err)
		if err == nil {
			var versionErr error
			if info.Version != crypto.SealVersion {
				versionErr = fmt.Errorf("daemon seals with version %d, client supports %d", info.Version, crypto.SealVersion)
			}
			appendCheck("seal_version_supported", versionErr)
		}
	}
	return report, nil
}

func requireSet(value, reason string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New(reason)
	}
	return nil
}

func checkListenAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen address %s is unavailable: %w", addr, err)
	}
	_ = ln.Close()
	return nil
}

func checkRootSecret(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	_, err := netkeys.ParseHexRoot(raw)
	return err
}

// checkPrivateDir accepts a missing directory when its parent is writable,
// since the daemon creates it on first start.
func checkPrivateDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		parent := filepath.Dir(filepath.Clean(dir))
		if _, statErr := os.Stat(parent); statErr != nil {
			return fmt.Errorf("data dir parent %s is not accessible: %w", parent, statErr)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", dir)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("data dir %s is accessible to other users (%04o)", dir, info.Mode().Perm())
	}
	return nil
}

func probeDaemon(ctx context.Context, cfg config.Config) (models.SealingKeyInfo, error) {
	endpoint, err := config.ResolveEndpoint(cfg.ClientEndpoint)
	if err != nil {
		return models.SealingKeyInfo{}, err
	}
	client, err := rpc.NewClient(endpoint, rpc.ClientOptions{Token: cfg.RPCToken, Timeout: defaultProbeTimeout, MaxRetries: 1})
	if err != nil {
		return models.SealingKeyInfo{}, err
	}
	defer func() { _ = client.Close() }()
	if err := client.Health(ctx); err != nil {
		return models.SealingKeyInfo{}, err
	}
	return client.SealingKey(ctx)
}
