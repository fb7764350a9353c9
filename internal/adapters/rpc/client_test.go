package rpc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/pkg/models"
)

func newTestClient(t *testing.T, url, token string) *Client {
	t.Helper()
	c, err := NewClient(url, ClientOptions{Token: token, Timeout: 5 * time.Second, MaxRetries: 3, InitialBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTTLSeconds_NeverWidensSubSecondTTL(t *testing.T) {
	cases := []struct {
		ttl  time.Duration
		want int64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 1},
		{10 * time.Minute, 600},
	}
	for _, tc := range cases {
		if got := ttlSeconds(tc.ttl); got != tc.want {
			t.Fatalf("ttlSeconds(%v) = %d, want %d", tc.ttl, got, tc.want)
		}
	}
}

func TestClient_RoundTripsThroughServer(t *testing.T) {
	svc := newStubService()
	s := newTestServer(t, svc, ServerOptions{RPCToken: "secret", Build: BuildInfo{Version: "9.9.9"}})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	c := newTestClient(t, ts.URL, "secret")
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	info, err := c.Version(ctx)
	if err != nil || info.Version != "9.9.9" {
		t.Fatalf("version: %+v %v", info, err)
	}
	ident, err := c.Mint(ctx, stubAuthMethod(), []models.Scope{models.ScopeSign})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ident.IdentityID != "dlg1stub" || len(ident.PermittedScopes) != 1 {
		t.Fatalf("unexpected identity %+v", ident)
	}
	cred, err := c.IssueSession(ctx, ident.IdentityID, stubAuthMethod(), []models.Ability{{Resource: models.AnyResource, Ability: models.ScopeSign}}, 10*time.Minute)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if !cred.ExpiresAt.Equal(stubTime.Add(10 * time.Minute)) {
		t.Fatalf("ttl not carried: %v", cred.ExpiresAt)
	}
	entry, found, err := c.LookupImport(ctx, cred, "known")
	if err != nil || !found || entry.EntryID != "ent_stub" {
		t.Fatalf("lookup import: %+v %v %v", entry, found, err)
	}
	handle, err := c.FetchForSigning(ctx, "ent_stub", cred)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	result, err := c.Sign(ctx, models.SigningRequest{Handle: handle, Credential: cred, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if string(result.Signature) != "sig:hi" {
		t.Fatalf("unexpected signature %q", result.Signature)
	}
}

func TestClient_RebuildsTaxonomyErrors(t *testing.T) {
	svc := newStubService()
	svc.failWith(methodVaultFetch, contracts.NewError(contracts.KindScopeNotPermitted, "session does not grant sign"))
	s := newTestServer(t, svc, ServerOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	c := newTestClient(t, ts.URL, "")

	_, err := c.FetchForSigning(context.Background(), "ent_1", stubCredential())
	if !errors.Is(err, contracts.ErrScopeNotPermitted) {
		t.Fatalf("expected ScopeNotPermitted, got %v", err)
	}
	if got := err.Error(); got != "ScopeNotPermitted: session does not grant sign" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestClient_RejectedTokenIsInvalidRequest(t *testing.T) {
	s := newTestServer(t, newStubService(), ServerOptions{RPCToken: "secret"})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	c := newTestClient(t, ts.URL, "wrong")

	_, err := c.SealingKey(context.Background())
	if !errors.Is(err, contracts.ErrInvalidRequest) {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

// flakyHandler fails the first n RPC posts with 503 and records the
// idempotency key of every attempt.
type flakyHandler struct {
	next http.Handler

	mu       sync.Mutex
	failures int
	keys     []string
}

func (h *flakyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.keys = append(h.keys, r.Header.Get(rpcIdempotencyHeader))
	fail := h.failures > 0
	if fail {
		h.failures--
	}
	h.mu.Unlock()
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	h.next.ServeHTTP(w, r)
}

func (h *flakyHandler) attempts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.keys...)
}

func TestClient_RetriesTransportFailuresWithOneIdempotencyKey(t *testing.T) {
	svc := newStubService()
	s := newTestServer(t, svc, ServerOptions{})
	flaky := &flakyHandler{next: s.Handler(), failures: 2}
	ts := httptest.NewServer(flaky)
	defer ts.Close()
	c := newTestClient(t, ts.URL, "")

	if _, err := c.Mint(context.Background(), stubAuthMethod(), []models.Scope{models.ScopeSign}); err != nil {
		t.Fatalf("mint after retries: %v", err)
	}
	keys := flaky.attempts()
	if len(keys) != 3 {
		t.Fatalf("expected three attempts, got %d", len(keys))
	}
	for _, k := range keys {
		if k == "" || k != keys[0] {
			t.Fatalf("attempts must share one idempotency key: %v", keys)
		}
	}
	if got := svc.count(methodRegistryMint); got != 1 {
		t.Fatalf("expected one mint on the service, got %d", got)
	}
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	s := newTestServer(t, newStubService(), ServerOptions{})
	flaky := &flakyHandler{next: s.Handler(), failures: 100}
	ts := httptest.NewServer(flaky)
	defer ts.Close()
	c := newTestClient(t, ts.URL, "")

	_, err := c.SealingKey(context.Background())
	if !errors.Is(err, contracts.ErrTransportFailure) {
		t.Fatalf("expected TransportFailure, got %v", err)
	}
	if got := len(flaky.attempts()); got != 4 {
		t.Fatalf("expected one attempt plus three retries, got %d", got)
	}
}

func TestClient_DoesNotRetrySignOrImport(t *testing.T) {
	s := newTestServer(t, newStubService(), ServerOptions{})
	flaky := &flakyHandler{next: s.Handler(), failures: 100}
	ts := httptest.NewServer(flaky)
	defer ts.Close()
	c := newTestClient(t, ts.URL, "")
	ctx := context.Background()

	_, err := c.Sign(ctx, models.SigningRequest{Handle: models.SigningHandle{HandleID: "hdl_1", EntryID: "ent_1"}, Payload: []byte("x")})
	if !errors.Is(err, contracts.ErrTransportFailure) {
		t.Fatalf("expected TransportFailure, got %v", err)
	}
	_, err = c.ImportSealed(ctx, stubCredential(), models.SealedImport{RequestID: "r-1", KeyType: models.KeyTypeEd25519})
	if !errors.Is(err, contracts.ErrTransportFailure) {
		t.Fatalf("expected TransportFailure, got %v", err)
	}
	if got := len(flaky.attempts()); got != 2 {
		t.Fatalf("expected exactly one attempt each, got %d", got)
	}
}

func TestClient_DoesNotRetryDomainErrors(t *testing.T) {
	svc := newStubService()
	svc.failWith(methodRegistryLookup, contracts.NewError(contracts.KindInvalidSignature, "auth method signature does not verify"))
	s := newTestServer(t, svc, ServerOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	c := newTestClient(t, ts.URL, "")

	_, err := c.LookupIdentities(context.Background(), stubAuthMethod())
	if !errors.Is(err, contracts.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
	if got := svc.count(methodRegistryLookup); got != 1 {
		t.Fatalf("domain errors must not be retried, got %d calls", got)
	}
}

func TestClient_FailsAfterClose(t *testing.T) {
	s := newTestServer(t, newStubService(), ServerOptions{})
	flaky := &flakyHandler{next: s.Handler()}
	ts := httptest.NewServer(flaky)
	defer ts.Close()
	c := newTestClient(t, ts.URL, "")

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.SealingKey(context.Background()); !errors.Is(err, contracts.ErrTransportFailure) {
		t.Fatalf("expected TransportFailure after close, got %v", err)
	}
	if got := len(flaky.attempts()); got != 0 {
		t.Fatalf("closed client must not reach the server, got %d requests", got)
	}
}

func TestClient_HonorsCancelledContext(t *testing.T) {
	s := newTestServer(t, newStubService(), ServerOptions{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	c := newTestClient(t, ts.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.SealingKey(ctx)
	if !errors.Is(err, contracts.ErrTransportFailure) {
		t.Fatalf("expected TransportFailure for cancelled context, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	if _, err := NewClient("  ", ClientOptions{}); err == nil {
		t.Fatal("expected empty endpoint to fail")
	}
}
