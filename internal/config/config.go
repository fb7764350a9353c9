package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddress  = "127.0.0.1:8787"
	DefaultClientEndpoint = "http://127.0.0.1:8787"
	DefaultDataDir        = "data"
	DefaultSessionMaxTTL  = time.Hour
	DefaultHandleTTL      = 60 * time.Second
	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40
	DefaultClientTimeout  = 15 * time.Second
	DefaultLogLevel       = "info"
)

// Config is the resolved daemon and client configuration.
type Config struct {
	ListenAddress  string
	RPCToken       string
	DataDir        string
	StorageSecret  string
	RootSecretHex  string
	SessionMaxTTL  time.Duration
	HandleTTL      time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	LogLevel       string
	LedgerEndpoint string
	ClientEndpoint string
	ClientTimeout  time.Duration
}

type FileConfig struct {
	Server  FileServerConfig  `yaml:"server"`
	Storage FileStorageConfig `yaml:"storage"`
	Trust   FileTrustConfig   `yaml:"trust"`
	Ledger  FileLedgerConfig  `yaml:"ledger"`
	Client  FileClientConfig  `yaml:"client"`
	Log     FileLogConfig     `yaml:"log"`
}

type FileServerConfig struct {
	Listen         string   `yaml:"listen"`
	RPCToken       string   `yaml:"rpcToken"`
	RateLimitRPS   *float64 `yaml:"rateLimitRPS"`
	RateLimitBurst *int     `yaml:"rateLimitBurst"`
}

type FileStorageConfig struct {
	DataDir string `yaml:"dataDir"`
	Secret  string `yaml:"secret"`
}

type FileTrustConfig struct {
	RootSecretHex string        `yaml:"rootSecretHex"`
	SessionMaxTTL time.Duration `yaml:"sessionMaxTTL"`
	HandleTTL     time.Duration `yaml:"handleTTL"`
}

type FileLedgerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type FileClientConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type FileLogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		ListenAddress:  DefaultListenAddress,
		DataDir:        DefaultDataDir,
		SessionMaxTTL:  DefaultSessionMaxTTL,
		HandleTTL:      DefaultHandleTTL,
		RateLimitRPS:   DefaultRateLimitRPS,
		RateLimitBurst: DefaultRateLimitBurst,
		LogLevel:       DefaultLogLevel,
		ClientEndpoint: DefaultClientEndpoint,
		ClientTimeout:  DefaultClientTimeout,
	}
}

// LoadFromPath merges the first readable config file over the defaults and
// then applies CUSTODY_* environment overrides. A missing file is not an
// error; a malformed one is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/custody.yaml",
			"configs/custody.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if v := strings.TrimSpace(src.Server.Listen); v != "" {
		dst.ListenAddress = v
	}
	if v := strings.TrimSpace(src.Server.RPCToken); v != "" {
		dst.RPCToken = v
	}
	if src.Server.RateLimitRPS != nil {
		dst.RateLimitRPS = *src.Server.RateLimitRPS
	}
	if src.Server.RateLimitBurst != nil {
		dst.RateLimitBurst = *src.Server.RateLimitBurst
	}
	if v := strings.TrimSpace(src.Storage.DataDir); v != "" {
		dst.DataDir = v
	}
	if v := strings.TrimSpace(src.Storage.Secret); v != "" {
		dst.StorageSecret = v
	}
	if v := strings.TrimSpace(src.Trust.RootSecretHex); v != "" {
		dst.RootSecretHex = v
	}
	if src.Trust.SessionMaxTTL != 0 {
		dst.SessionMaxTTL = src.Trust.SessionMaxTTL
	}
	if src.Trust.HandleTTL != 0 {
		dst.HandleTTL = src.Trust.HandleTTL
	}
	if v := strings.TrimSpace(src.Ledger.Endpoint); v != "" {
		dst.LedgerEndpoint = v
	}
	if v := strings.TrimSpace(src.Client.Endpoint); v != "" {
		dst.ClientEndpoint = v
	}
	if src.Client.Timeout != 0 {
		dst.ClientTimeout = src.Client.Timeout
	}
	if v := strings.TrimSpace(src.Log.Level); v != "" {
		dst.LogLevel = v
	}
}

func ApplyEnvOverrides(cfg *Config) {
	cfg.ListenAddress = envStringWithFallback("CUSTODY_LISTEN", cfg.ListenAddress)
	cfg.RPCToken = envStringWithFallback("CUSTODY_RPC_TOKEN", cfg.RPCToken)
	cfg.DataDir = envStringWithFallback("CUSTODY_DATA_DIR", cfg.DataDir)
	cfg.StorageSecret = envStringWithFallback("CUSTODY_STORAGE_SECRET", cfg.StorageSecret)
	cfg.RootSecretHex = envStringWithFallback("CUSTODY_ROOT_SECRET", cfg.RootSecretHex)
	cfg.SessionMaxTTL = envDurationWithFallback("CUSTODY_SESSION_MAX_TTL", cfg.SessionMaxTTL)
	cfg.HandleTTL = envDurationWithFallback("CUSTODY_HANDLE_TTL", cfg.HandleTTL)
	cfg.RateLimitRPS = envFloatWithFallback("CUSTODY_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envBoundedIntWithFallback("CUSTODY_RATE_LIMIT_BURST", cfg.RateLimitBurst, 0, 10_000)
	cfg.LogLevel = envStringWithFallback("CUSTODY_LOG_LEVEL", cfg.LogLevel)
	cfg.LedgerEndpoint = envStringWithFallback("CUSTODY_LEDGER_ENDPOINT", cfg.LedgerEndpoint)
	cfg.ClientEndpoint = envStringWithFallback("CUSTODY_RPC_ENDPOINT", cfg.ClientEndpoint)
	cfg.ClientTimeout = envDurationWithFallback("CUSTODY_CLIENT_TIMEOUT", cfg.ClientTimeout)
}

func (c Config) Validate() error {
	if _, err := ResolveListenAddress(c.ListenAddress); err != nil {
		return err
	}
	if c.SessionMaxTTL < time.Second {
		return errors.New("session max ttl must be at least 1s")
	}
	if c.HandleTTL < time.Second || c.HandleTTL > 10*time.Minute {
		return errors.New("handle ttl must be between 1s and 10m")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limit values must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// PersistenceEnabled reports whether state files are written. Without a
// storage secret the daemon keeps everything in memory.
func (c Config) PersistenceEnabled() bool {
	return strings.TrimSpace(c.DataDir) != "" && strings.TrimSpace(c.StorageSecret) != ""
}

func ParseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}
