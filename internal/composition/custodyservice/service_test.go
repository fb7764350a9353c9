package custodyservice

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/internal/crypto"
	"custody-signer/go-backend/internal/domains/accesscontrol"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/internal/keytypes"
	"custody-signer/go-backend/internal/platform/metrics"
	"custody-signer/go-backend/internal/testutil/custodytest"
	"custody-signer/go-backend/pkg/models"
)

type fixture struct {
	clock   *custodytest.Clock
	metrics *metrics.Recorder
	logs    *bytes.Buffer
	svc     *Service
	wallet  *identity.Keypair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := custodytest.NewClock(custodytest.Epoch)
	recorder := metrics.New()
	logs := &bytes.Buffer{}
	svc, err := New(custodytest.Root(t), Options{
		Metrics: recorder,
		Logger:  slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{clock: clock, metrics: recorder, logs: logs, svc: svc, wallet: custodytest.Wallet(t)}
}

func (f *fixture) session(t *testing.T) (models.DelegatedIdentity, models.SessionCredential) {
	t.Helper()
	ctx := context.Background()
	method := custodytest.AuthMethod(t, f.wallet, f.clock, 10*time.Minute)
	ident, err := f.svc.Mint(ctx, method, []models.Scope{models.ScopeSign, models.ScopeImport})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	cred, err := f.svc.IssueSession(ctx, ident.IdentityID, method, []models.Ability{
		{Resource: models.AnyResource, Ability: models.ScopeSign},
		{Resource: models.AnyResource, Ability: models.ScopeImport},
	}, 10*time.Minute)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return ident, cred
}

func (f *fixture) importKey(t *testing.T, ident models.DelegatedIdentity, cred models.SessionCredential, kt models.KeyType) (models.EntrySummary, []byte) {
	t.Helper()
	ctx := context.Background()
	info, err := f.svc.SealingKey(ctx)
	if err != nil {
		t.Fatalf("sealing key: %v", err)
	}
	if info.Version != crypto.SealVersion {
		t.Fatalf("unexpected seal version %d", info.Version)
	}
	secret, pub, err := keytypes.Generate(kt)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	env, err := crypto.Seal(info.PublicKey, crypto.IdentityBinding(ident, kt), secret)
	crypto.Wipe(secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	summary, err := f.svc.ImportSealed(ctx, cred, models.SealedImport{
		RequestID:       "req-" + string(kt),
		KeyType:         kt,
		PublicKey:       pub,
		Sealed:          env,
		AccessCondition: accesscontrol.ForAddress(f.wallet.Address()),
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	return summary, pub
}

func scrape(t *testing.T, r *metrics.Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestService_EndToEndSigning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident, cred := f.session(t)
	entry, pub := f.importKey(t, ident, cred, models.KeyTypeEd25519)

	handle, err := f.svc.FetchForSigning(ctx, entry.EntryID, cred)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	payload := []byte(`{"to":"EQ...","amount":"1"}`)
	result, err := f.svc.Sign(ctx, models.SigningRequest{Handle: handle, Credential: cred, Payload: payload})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !keytypes.Verify(models.KeyTypeEd25519, pub, payload, result.Signature) {
		t.Fatal("signature does not verify against imported public key")
	}

	scraped := scrape(t, f.metrics)
	for _, want := range []string{
		`custody_operations_total{operation="executor.sign",result="ok"} 1`,
		`custody_signing_transitions_total{state="ResultReturned"} 1`,
	} {
		if !strings.Contains(scraped, want) {
			t.Fatalf("missing %q in metrics", want)
		}
	}
	if !bytes.Contains(f.logs.Bytes(), []byte(`"msg":"payload signed"`)) {
		t.Fatal("expected sign log line")
	}
}

func TestService_LookupImportAndIdentities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident, cred := f.session(t)
	entry, _ := f.importKey(t, ident, cred, models.KeyTypeSecp256k1)

	found, ok, err := f.svc.LookupImport(ctx, cred, "req-secp256k1")
	if err != nil || !ok || found.EntryID != entry.EntryID {
		t.Fatalf("lookup import mismatch: %+v ok=%v err=%v", found, ok, err)
	}
	method := custodytest.AuthMethod(t, f.wallet, f.clock, time.Minute)
	idents, err := f.svc.LookupIdentities(ctx, method)
	if err != nil {
		t.Fatalf("lookup identities: %v", err)
	}
	if len(idents) != 1 || idents[0].IdentityID != ident.IdentityID {
		t.Fatalf("unexpected identities %+v", idents)
	}
	check, err := f.svc.VerifyAuth(ctx, method)
	if err != nil {
		t.Fatalf("verify auth: %v", err)
	}
	if !identity.SameAddress(check.ControllingAddress, f.wallet.Address()) {
		t.Fatalf("unexpected controlling address %s", check.ControllingAddress)
	}
}

func TestService_ErrorsAreCountedAndLogged(t *testing.T) {
	f := newFixture(t)
	ctx := contracts.WithCorrelationID(context.Background(), "corr-1")
	_, cred := f.session(t)

	f.clock.Advance(11 * time.Minute)
	_, err := f.svc.FetchForSigning(ctx, "ent_missing", cred)
	if !errors.Is(err, contracts.ErrExpiredCredential) {
		t.Fatalf("expected ExpiredCredential, got %v", err)
	}
	if !strings.Contains(scrape(t, f.metrics), `custody_errors_total{kind="ExpiredCredential"} 1`) {
		t.Fatal("expected one ExpiredCredential error in metrics")
	}
	if !bytes.Contains(f.logs.Bytes(), []byte(`"correlation_id":"corr-1"`)) {
		t.Fatalf("expected correlation id in logs: %s", f.logs.String())
	}
}

func TestService_SignFailureReportsTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, cred := f.session(t)

	_, err := f.svc.Sign(ctx, models.SigningRequest{
		Handle:     models.SigningHandle{HandleID: "hdl_unknown", EntryID: "ent_unknown"},
		Credential: cred,
		Payload:    []byte("x"),
	})
	if !errors.Is(err, contracts.ErrDecryptionFailure) {
		t.Fatalf("expected DecryptionFailure, got %v", err)
	}
	if !strings.Contains(scrape(t, f.metrics), `custody_signing_transitions_total{state="Failed"} 1`) {
		t.Fatal("expected one Failed transition in metrics")
	}
}

func TestBuild_PersistsRootAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.StorageSecret = "test-storage-secret"
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	first, err := Build(cfg, metrics.New(), logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	firstKey, err := first.SealingKey(context.Background())
	if err != nil {
		t.Fatalf("sealing key: %v", err)
	}
	if err := first.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	second, err := Build(cfg, metrics.New(), logger)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	secondKey, err := second.SealingKey(context.Background())
	if err != nil {
		t.Fatalf("sealing key: %v", err)
	}
	if !bytes.Equal(firstKey.PublicKey, secondKey.PublicKey) {
		t.Fatal("sealing key must survive restart when persistence is enabled")
	}
}

func TestBuild_RejectsMalformedRootSecret(t *testing.T) {
	cfg := config.Default()
	cfg.RootSecretHex = "zz"
	if _, err := Build(cfg, nil, nil); err == nil {
		t.Fatal("expected malformed root secret to fail")
	}
}
