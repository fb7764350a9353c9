package clientflow

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"custody-signer/go-backend/internal/adapters/rpc"
	"custody-signer/go-backend/internal/composition/custodyservice"
	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/keytypes"
	"custody-signer/go-backend/internal/ledger"
	"custody-signer/go-backend/internal/testutil/custodytest"
	"custody-signer/go-backend/pkg/models"
)

// localConn serves a Conn from an in-process service and records Close.
type localConn struct {
	*custodyservice.Service
	closed       bool
	dropImports  int
	failMint     error
	importCalls  int
	lookupCalled bool
}

func (c *localConn) Close() error {
	c.closed = true
	return nil
}

func (c *localConn) Mint(ctx context.Context, method models.AuthMethod, scopes []models.Scope) (models.DelegatedIdentity, error) {
	if c.failMint != nil {
		return models.DelegatedIdentity{}, c.failMint
	}
	return c.Service.Mint(ctx, method, scopes)
}

// ImportSealed performs the import and then, while dropImports is positive,
// reports a transport failure as if the response were lost.
func (c *localConn) ImportSealed(ctx context.Context, cred models.SessionCredential, req models.SealedImport) (models.EntrySummary, error) {
	c.importCalls++
	entry, err := c.Service.ImportSealed(ctx, cred, req)
	if err == nil && c.dropImports > 0 {
		c.dropImports--
		return models.EntrySummary{}, contracts.NewError(contracts.KindTransportFailure, "response lost")
	}
	return entry, err
}

func (c *localConn) LookupImport(ctx context.Context, cred models.SessionCredential, requestID string) (models.EntrySummary, bool, error) {
	c.lookupCalled = true
	return c.Service.LookupImport(ctx, cred, requestID)
}

func newLocalConn(t *testing.T) *localConn {
	t.Helper()
	svc, err := custodyservice.New(custodytest.Root(t), custodyservice.Options{
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &localConn{Service: svc}
}

func dialer(conn Conn) Dialer {
	return func(context.Context) (Conn, error) { return conn, nil }
}

func quietOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}
}

func TestRun_SignsAndBroadcastsOverRPC(t *testing.T) {
	svc, err := custodyservice.New(custodytest.Root(t), custodyservice.Options{
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv := rpc.NewServerWithService(rpc.ServerOptions{RPCToken: "secret"}, svc)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := config.Default()
	cfg.ClientEndpoint = ts.URL
	cfg.RPCToken = "secret"

	var logs bytes.Buffer
	opts := Options{
		Broadcaster: ledger.DryRun{},
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
	}
	report, err := Run(context.Background(), RPCDialer(cfg), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	pub, err := hex.DecodeString(report.ChainPublicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	sig, err := hex.DecodeString(report.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !keytypes.Verify(models.KeyTypeEd25519, pub, report.Payload, sig) {
		t.Fatal("reported signature does not verify")
	}
	if report.IdentityCount != 1 || !strings.HasPrefix(report.IdentityID, "dlg1") || !strings.HasPrefix(report.EntryID, "ent_") {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.TxHash != ledger.TransactionHash(ledger.SignedTransaction{Payload: report.Payload, Signature: sig}) {
		t.Fatal("tx hash does not match the signed transfer")
	}
	var transfer Transfer
	if err := json.Unmarshal(report.Payload, &transfer); err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if transfer.To != DefaultRecipient || transfer.Value != DefaultAmount || transfer.SendMode != 3 {
		t.Fatalf("unexpected transfer %+v", transfer)
	}
	if !strings.Contains(logs.String(), "disconnected from custody service") {
		t.Fatal("expected disconnect narration")
	}
}

func TestRun_ClosesConnectionOnFailure(t *testing.T) {
	conn := newLocalConn(t)
	conn.failMint = contracts.NewError(contracts.KindInvalidSignature, "auth method signature does not verify")

	_, err := Run(context.Background(), dialer(conn), quietOptions())
	if !errors.Is(err, contracts.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
	if !conn.closed {
		t.Fatal("connection must be closed when the flow fails")
	}
}

func TestRun_RecoversLostImportResponse(t *testing.T) {
	conn := newLocalConn(t)
	conn.dropImports = 1

	report, err := Run(context.Background(), dialer(conn), quietOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !conn.lookupCalled {
		t.Fatal("expected lookup by request id after a lost import response")
	}
	if conn.importCalls != 1 {
		t.Fatalf("import already landed; expected no second import, got %d calls", conn.importCalls)
	}
	if report.EntryID == "" || !conn.closed {
		t.Fatalf("unexpected report %+v closed=%v", report, conn.closed)
	}
}

func TestRun_SupportsSecp256k1Keys(t *testing.T) {
	conn := newLocalConn(t)
	opts := quietOptions()
	opts.KeyType = models.KeyTypeSecp256k1

	report, err := Run(context.Background(), dialer(conn), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sig, _ := hex.DecodeString(report.Signature)
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte recoverable signature, got %d", len(sig))
	}
}

func TestRun_ReportsDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	_, err := Run(context.Background(), func(context.Context) (Conn, error) { return nil, dialErr }, quietOptions())
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
}
