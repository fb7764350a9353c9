package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	rpcIdempotencyHeader     = "X-Custody-Idempotency-Key"
	rpcIdempotencyTTL        = 10 * time.Minute
	rpcIdempotencyMaxEntries = 1024
)

type rpcIdempotencyEntry struct {
	requestHash string
	response    rpcResponse
	createdAt   time.Time
	// done is open while the first request under the key is still running.
	done chan struct{}
}

func (e rpcIdempotencyEntry) pending() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

type idempotencyOutcome int

const (
	idempotencyProceed idempotencyOutcome = iota
	idempotencyReplay
	idempotencyConflict
)

// rpcIdempotencyCache replays the first response for a repeated key so a
// client can retry a mutating call after a lost response. A key is claimed
// before dispatch; concurrent requests under it wait for that first response.
type rpcIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]rpcIdempotencyEntry
}

func newRPCIdempotencyCache() *rpcIdempotencyCache {
	return &rpcIdempotencyCache{
		entries: make(map[string]rpcIdempotencyEntry),
	}
}

// acquire claims cacheKey for this request or resolves it against an earlier
// one. On idempotencyProceed the caller must finish with complete or release.
// It returns ctx.Err() when ctx ends while another request holds the key.
func (c *rpcIdempotencyCache) acquire(ctx context.Context, cacheKey, requestHash string, now func() time.Time) (rpcResponse, idempotencyOutcome, error) {
	if c == nil {
		return rpcResponse{}, idempotencyProceed, nil
	}
	for {
		c.mu.Lock()
		c.pruneLocked(now())
		entry, ok := c.entries[cacheKey]
		if !ok {
			c.entries[cacheKey] = rpcIdempotencyEntry{
				requestHash: requestHash,
				createdAt:   now(),
				done:        make(chan struct{}),
			}
			c.evictLocked()
			c.mu.Unlock()
			return rpcResponse{}, idempotencyProceed, nil
		}
		if entry.requestHash != requestHash {
			c.mu.Unlock()
			return rpcResponse{}, idempotencyConflict, nil
		}
		if !entry.pending() {
			c.mu.Unlock()
			return entry.response, idempotencyReplay, nil
		}
		done := entry.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return rpcResponse{}, idempotencyProceed, ctx.Err()
		}
	}
}

// complete stores the response for replay and wakes waiting requests.
func (c *rpcIdempotencyCache) complete(cacheKey string, resp rpcResponse, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey]
	if !ok || !entry.pending() {
		return
	}
	entry.response = resp
	entry.createdAt = now
	c.entries[cacheKey] = entry
	close(entry.done)
}

// release drops the claim without a response; the next waiter runs the
// request itself.
func (c *rpcIdempotencyCache) release(cacheKey string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey]
	if !ok || !entry.pending() {
		return
	}
	delete(c.entries, cacheKey)
	close(entry.done)
}

func (c *rpcIdempotencyCache) evictLocked() {
	if len(c.entries) <= rpcIdempotencyMaxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, entry := range c.entries {
		if entry.pending() {
			continue
		}
		if first || entry.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.createdAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *rpcIdempotencyCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if !entry.pending() && now.Sub(entry.createdAt) > rpcIdempotencyTTL {
			delete(c.entries, key)
		}
	}
}

func rpcIdempotencyKey(raw string, authToken string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	return authToken + "|" + key
}

func rpcRequestHash(req rpcRequest) string {
	payload := struct {
		Method     string          `json:"method"`
		Params     json.RawMessage `json:"params"`
		APIVersion *int            `json:"api_version,omitempty"`
	}{
		Method:     req.Method,
		Params:     req.Params,
		APIVersion: req.APIVersion,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(req.Method + "|" + string(req.Params))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
