package custodyservice

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"custody-signer/go-backend/internal/adapters/rpc"
	"custody-signer/go-backend/internal/testutil/custodytest"
	"custody-signer/go-backend/pkg/models"
)

func TestService_SubSecondTTLClampsAlikeOverRPC(t *testing.T) {
	f := newFixture(t)
	srv := rpc.NewServerWithService(rpc.ServerOptions{RPCToken: "secret"}, f.svc)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	client, err := rpc.NewClient(ts.URL, rpc.ClientOptions{Token: "secret", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	method := custodytest.AuthMethod(t, f.wallet, f.clock, 10*time.Minute)
	ident, err := f.svc.Mint(ctx, method, []models.Scope{models.ScopeSign})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	abilities := []models.Ability{{Resource: models.AnyResource, Ability: models.ScopeSign}}

	local, err := f.svc.IssueSession(ctx, ident.IdentityID, method, abilities, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("in-process issue: %v", err)
	}
	remote, err := client.IssueSession(ctx, ident.IdentityID, method, abilities, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("rpc issue: %v", err)
	}
	localTTL := local.ExpiresAt.Sub(local.IssuedAt)
	remoteTTL := remote.ExpiresAt.Sub(remote.IssuedAt)
	if localTTL != time.Second || remoteTTL != time.Second {
		t.Fatalf("expected both clamped to 1s, in-process=%v rpc=%v", localTTL, remoteTTL)
	}
}
