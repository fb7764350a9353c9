package rpc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/platform/metrics"
	"custody-signer/go-backend/internal/platform/ratelimiter"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultRPCAddr = "127.0.0.1:8787"
	rpcTokenHeader = "X-Custody-RPC-Token"
)

type BuildInfo struct {
	Version string
	Commit  string
}

type ServerOptions struct {
	Addr      string
	RPCToken  string
	RateLimit ratelimiter.Config
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Build     BuildInfo
}

type Server struct {
	httpServer  *http.Server
	service     contracts.CustodyService
	initErr     error
	rpcToken    string
	limiter     *ratelimiter.MapLimiter
	idempotency *rpcIdempotencyCache
	metrics     *metrics.Recorder
	logger      *slog.Logger
	validate    *validator.Validate
	build       BuildInfo
	now         func() time.Time
}

func NewServerWithService(opts ServerOptions, svc contracts.CustodyService) *Server {
	if svc == nil {
		return &Server{initErr: errors.New("custody service is required")}
	}
	if opts.Addr == "" {
		opts.Addr = DefaultRPCAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Build.Version == "" {
		opts.Build.Version = "dev"
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:     svc,
		rpcToken:    strings.TrimSpace(opts.RPCToken),
		limiter:     ratelimiter.New(opts.RateLimit),
		idempotency: newRPCIdempotencyCache(),
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		validate:    validator.New(),
		build:       opts.Build,
		now:         time.Now,
	}
	if s.rpcToken == "" {
		s.logger.Warn("rpc token is not set; RPC auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", s.metrics.Handler())
	return s
}

func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("rpc listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Handler exposes the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return http.NotFoundHandler()
	}
	return s.httpServer.Handler
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.handleHealth(w, r)
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	s.handleRPC(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+rpcTokenHeader+", "+rpcIdempotencyHeader)
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" {
		return true
	}
	token := s.extractRPCToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.rpcToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(rpcTokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

// ResolveRPCToken returns raw unchanged unless it is "auto", in which case a
// fresh token is generated and written to tokenFile when one is given.
func ResolveRPCToken(raw, tokenFile string) (string, error) {
	token := strings.TrimSpace(raw)
	if !strings.EqualFold(token, "auto") {
		return token, nil
	}
	generated, err := generateRPCToken()
	if err != nil {
		return "", err
	}
	if err := persistRPCToken(tokenFile, generated); err != nil {
		return "", err
	}
	return generated, nil
}

func generateRPCToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rpc_" + hex.EncodeToString(buf), nil
}

func persistRPCToken(pathValue, token string) error {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(pathValue), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pathValue, []byte(token), 0o600)
}
