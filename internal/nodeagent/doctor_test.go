package nodeagent

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/pkg/models"
)

func newTestService() *Service {
	svc := New()
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc
}

func readyConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddress = freeAddr(t)
	cfg.RPCToken = "secret"
	cfg.StorageSecret = "storage-pass"
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	return cfg
}

func TestDoctorDetectsUnavailableListenAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen temp port: %v", err)
	}
	defer func() {
		if closeErr := ln.Close(); closeErr != nil {
			t.Logf("close temp listener: %v", closeErr)
		}
	}()
	cfg := readyConfig(t)
	cfg.ListenAddress = ln.Addr().String()

	report, err := newTestService().Doctor(context.Background(), DoctorInput{Config: cfg})
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if report.Ready {
		t.Fatalf("expected readiness fail for unavailable address, report=%+v", report)
	}
	assertCheck(t, report, "listen_address_available", false)
}

func TestDoctorDetectsMissingSecretsAndBadRoot(t *testing.T) {
	cfg := readyConfig(t)
	cfg.RPCToken = ""
	cfg.StorageSecret = ""
	cfg.RootSecretHex = "zz"

	report, err := newTestService().Doctor(context.Background(), DoctorInput{Config: cfg})
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if report.Ready {
		t.Fatalf("expected readiness fail, report=%+v", report)
	}
	assertCheck(t, report, "rpc_token_set", false)
	assertCheck(t, report, "root_secret_valid", false)
	assertCheck(t, report, "persistence_enabled", false)
}

func TestDoctorDetectsSharedDataDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	cfg := readyConfig(t)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chmod(cfg.DataDir, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	report, err := newTestService().Doctor(context.Background(), DoctorInput{Config: cfg})
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	assertCheck(t, report, "data_dir_private", false)
}

func TestDoctorPassesReadyDaemon(t *testing.T) {
	svc := newTestService()
	svc.probe = func(context.Context, config.Config) (models.SealingKeyInfo, error) {
		return models.SealingKeyInfo{PublicKey: make([]byte, 32), Version: 1}, nil
	}

	report, err := svc.Doctor(context.Background(), DoctorInput{Config: readyConfig(t), Probe: true})
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if !report.Ready {
		t.Fatalf("expected readiness pass, report=%+v", report)
	}
	assertCheck(t, report, "rpc_reachable", true)
	assertCheck(t, report, "seal_version_supported", true)
	if !report.CheckedAt.Equal(time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected checked_at %v", report.CheckedAt)
	}
}

func TestDoctorReportsUnreachableDaemonAndSealVersion(t *testing.T) {
	svc := newTestService()
	svc.probe = func(context.Context, config.Config) (models.SealingKeyInfo, error) {
		return models.SealingKeyInfo{}, errors.New("connection refused")
	}
	report, err := svc.Doctor(context.Background(), DoctorInput{Config: readyConfig(t), Probe: true})
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	assertCheck(t, report, "rpc_reachable", false)

	svc.probe = func(context.Context, config.Config) (models.SealingKeyInfo, error) {
		return models.SealingKeyInfo{Version: 9}, nil
	}
	report, err = svc.Doctor(context.Background(), DoctorInput{Config: readyConfig(t), Probe: true})
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	assertCheck(t, report, "seal_version_supported", false)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("alloc free port: %v", err)
	}
	defer func() {
		if closeErr := ln.Close(); closeErr != nil {
			t.Logf("close temp listener: %v", closeErr)
		}
	}()
	return ln.Addr().String()
}

func assertCheck(t *testing.T, report DoctorReport, name string, pass bool) {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			if c.Pass != pass {
				t.Fatalf("check %s expected pass=%v got=%v report=%+v", name, pass, c.Pass, report)
			}
			return
		}
	}
	t.Fatalf("check %s not found in report=%+v", name, report)
}
