package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcErrorData struct {
	Kind string `json:"kind"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if s.service == nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeServiceUnavailable, Message: "service is not initialized"},
		})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := s.extractRPCToken(r)
	if !s.limiter.Allow(rpcRateLimitKey(r, token), s.now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if verErr := validateRPCAPIVersion(req.APIVersion); verErr != nil {
		s.metrics.RecordRPC(req.Method, verErr.Code)
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: verErr})
		return
	}

	cacheKey := rpcIdempotencyKey(r.Header.Get(rpcIdempotencyHeader), token)
	if cacheKey != "" {
		cached, outcome, err := s.idempotency.acquire(r.Context(), cacheKey, rpcRequestHash(req), s.now)
		switch {
		case err != nil:
			s.metrics.RecordRPC(req.Method, codeServiceUnavailable)
			writeRPC(w, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: codeServiceUnavailable, Message: "request with this idempotency key is still in progress"},
			})
			return
		case outcome == idempotencyConflict:
			writeRPC(w, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: codeIdempotencyReuse, Message: "idempotency key was used for a different request"},
			})
			return
		case outcome == idempotencyReplay:
			cached.ID = req.ID
			s.logger.Info("rpc replay", "method", req.Method, "rpc_id", string(req.ID))
			writeRPC(w, cached)
			return
		}
		// No-op once completed; frees the key after a transient failure or panic.
		defer s.idempotency.release(cacheKey)
	}

	reqID := "rpc_" + uuid.NewString()
	started := time.Now()
	s.logger.Info("rpc request", "request_id", reqID, "method", req.Method, "rpc_id", string(req.ID))

	ctx := contracts.WithCorrelationID(r.Context(), reqID)
	result, rpcErr := s.dispatchRPC(ctx, req.Method, req.Params)
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
		s.logger.Warn("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	s.metrics.RecordRPC(req.Method, code)

	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
	if cacheKey != "" && !isTransientRPCError(rpcErr) {
		s.idempotency.complete(cacheKey, resp, s.now())
	}
	writeRPC(w, resp)
}

// Transient failures are not cached so a retry under the same key can
// still succeed.
func isTransientRPCError(e *rpcError) bool {
	return e != nil && (e.Code == codeTransportFailure || e.Code == codeInternal || e.Code == codeServiceUnavailable)
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: codeInvalidRequest, Message: "invalid request"},
	})
}
