// Package clientflow drives the custody service end to end from the client
// side: wallet, authentication, delegated identity, session, sealed import,
// remote signing and optional broadcast.
package clientflow

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"custody-signer/go-backend/internal/adapters/rpc"
	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/internal/crypto"
	"custody-signer/go-backend/internal/domains/accesscontrol"
	"custody-signer/go-backend/internal/domains/auth"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/internal/keytypes"
	"custody-signer/go-backend/internal/ledger"
	"custody-signer/go-backend/pkg/models"

	"github.com/google/uuid"
)

const (
	DefaultSessionTTL = 10 * time.Minute
	DefaultRecipient  = "EQCNgrEeqQRYtYsLRZ6yX92GkeTEqFJMmFN2nzRm_6D6SHvI"
	DefaultAmount     = "10000000"
	transferValidity  = 60 * time.Second
)

// Conn is a custody connection that must be released after use.
type Conn interface {
	contracts.CustodyService
	Close() error
}

type Dialer func(ctx context.Context) (Conn, error)

// RPCDialer connects to the daemon configured in cfg.
func RPCDialer(cfg config.Config) Dialer {
	return func(context.Context) (Conn, error) {
		endpoint, err := config.ResolveEndpoint(cfg.ClientEndpoint)
		if err != nil {
			return nil, err
		}
		client, err := rpc.NewClient(endpoint, rpc.ClientOptions{Token: cfg.RPCToken, Timeout: cfg.ClientTimeout})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

type Options struct {
	Broadcaster ledger.Broadcaster
	Logger      *slog.Logger
	Now         func() time.Time
	SessionTTL  time.Duration
	KeyType     models.KeyType
	Recipient   string
	Amount      string
}

// Transfer is the unsigned transaction the demo signs remotely.
type Transfer struct {
	Chain    int    `json:"chain"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Seqno    uint32 `json:"seqno"`
	Timeout  int64  `json:"timeout"`
	Bounce   bool   `json:"bounce"`
	Payload  string `json:"payload"`
	SendMode int    `json:"send_mode"`
}

// Report summarizes a completed run. It never carries secret material.
type Report struct {
	WalletAddress  string
	IdentityID     string
	IdentityCount  int
	EntryID        string
	ChainPublicKey string
	Payload        []byte
	Signature      string
	TxHash         string
}

// Run executes the full flow once. The connection is closed on every exit
// path and the wallet is destroyed before returning.
func Run(ctx context.Context, dial Dialer, opts Options) (report Report, err error) {
	opts = withDefaults(opts)
	log := opts.Logger

	log.Info("generating a wallet for the user")
	wallet, _, err := identity.Create()
	if err != nil {
		return Report{}, fmt.Errorf("create wallet: %w", err)
	}
	defer wallet.Destroy()
	report.WalletAddress = wallet.Address()
	log.Info("created wallet", "wallet_address", report.WalletAddress)

	log.Info("connecting to custody service")
	conn, err := dial(ctx)
	if err != nil {
		return report, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close connection: %w", closeErr)
		}
		log.Info("disconnected from custody service")
	}()
	log.Info("connected to custody service")

	broker := &auth.Broker{Domain: auth.DefaultDomain, Now: opts.Now}
	log.Info("authenticating wallet")
	method, err := broker.Authenticate(wallet, opts.SessionTTL)
	if err != nil {
		return report, fmt.Errorf("authenticate: %w", err)
	}
	log.Info("authenticated wallet", "expires_at", method.ExpiresAt)

	log.Info("minting delegated identity")
	ident, err := conn.Mint(ctx, method, []models.Scope{models.ScopeSign, models.ScopeImport})
	if err != nil {
		return report, fmt.Errorf("mint: %w", err)
	}
	report.IdentityID = ident.IdentityID
	log.Info("minted delegated identity", "identity_id", ident.IdentityID)

	log.Info("looking up identities for wallet")
	idents, err := conn.LookupIdentities(ctx, method)
	if err != nil {
		return report, fmt.Errorf("lookup identities: %w", err)
	}
	report.IdentityCount = len(idents)
	log.Info("found identities", "count", len(idents))

	log.Info("issuing session credential")
	cred, err := conn.IssueSession(ctx, ident.IdentityID, method, []models.Ability{
		{Resource: models.AnyResource, Ability: models.ScopeSign},
		{Resource: models.AnyResource, Ability: models.ScopeImport},
	}, opts.SessionTTL)
	if err != nil {
		return report, fmt.Errorf("issue session: %w", err)
	}
	log.Info("issued session credential", "expires_at", cred.ExpiresAt, "abilities", len(cred.GrantedAbilities))

	log.Info("generating chain keypair", "key_type", string(opts.KeyType))
	secret, pub, err := keytypes.Generate(opts.KeyType)
	if err != nil {
		return report, fmt.Errorf("generate chain key: %w", err)
	}
	report.ChainPublicKey = hex.EncodeToString(pub)
	log.Info("generated chain keypair", "public_key", report.ChainPublicKey)

	log.Info("importing chain key as sealed vault entry")
	entry, err := importKey(ctx, conn, ident, cred, opts.KeyType, secret, pub, wallet.Address(), log)
	if err != nil {
		return report, fmt.Errorf("import: %w", err)
	}
	report.EntryID = entry.EntryID
	log.Info("imported chain key", "entry_id", entry.EntryID)

	payload, err := json.Marshal(Transfer{
		Chain:    1,
		To:       opts.Recipient,
		Value:    opts.Amount,
		Seqno:    1,
		Timeout:  opts.Now().Add(transferValidity).Unix(),
		Bounce:   false,
		SendMode: 3,
	})
	if err != nil {
		return report, fmt.Errorf("encode transfer: %w", err)
	}
	report.Payload = payload

	log.Info("requesting signing handle")
	handle, err := conn.FetchForSigning(ctx, entry.EntryID, cred)
	if err != nil {
		return report, fmt.Errorf("fetch for signing: %w", err)
	}
	log.Info("signing transfer remotely", "expires_at", handle.ExpiresAt)
	result, err := conn.Sign(ctx, models.SigningRequest{Handle: handle, Credential: cred, Payload: payload})
	if err != nil {
		return report, fmt.Errorf("sign: %w", err)
	}
	if !keytypes.Verify(opts.KeyType, pub, payload, result.Signature) {
		return report, contracts.NewError(contracts.KindSigningFailure, "returned signature does not verify against the imported public key")
	}
	report.Signature = hex.EncodeToString(result.Signature)
	log.Info("signed transfer", "signature_bytes", len(result.Signature))

	if opts.Broadcaster == nil {
		return report, nil
	}
	log.Info("broadcasting signed transfer")
	hash, err := opts.Broadcaster.Broadcast(ctx, ledger.SignedTransaction{Payload: payload, Signature: result.Signature, PublicKey: pub})
	if err != nil {
		return report, fmt.Errorf("broadcast: %w", err)
	}
	report.TxHash = hash
	log.Info("broadcast transfer", "tx_hash", hash)
	return report, nil
}

// importKey seals secret for the service and imports it. A transport failure
// leaves the outcome unknown, so the request id is looked up before the single
// retry. secret is wiped before returning.
func importKey(ctx context.Context, conn Conn, ident models.DelegatedIdentity, cred models.SessionCredential, kt models.KeyType, secret, pub []byte, owner string, log *slog.Logger) (models.EntrySummary, error) {
	defer crypto.Wipe(secret)
	info, err := conn.SealingKey(ctx)
	if err != nil {
		return models.EntrySummary{}, err
	}
	if info.Version != crypto.SealVersion {
		return models.EntrySummary{}, contracts.NewError(contracts.KindInvalidRequest, fmt.Sprintf("unsupported seal version %d", info.Version))
	}
	env, err := crypto.Seal(info.PublicKey, crypto.IdentityBinding(ident, kt), secret)
	if err != nil {
		return models.EntrySummary{}, contracts.WrapError(contracts.KindInvalidRequest, "seal chain key", err)
	}
	req := models.SealedImport{
		RequestID:       uuid.NewString(),
		KeyType:         kt,
		PublicKey:       pub,
		Sealed:          env,
		AccessCondition: accesscontrol.ForAddress(owner),
	}

	entry, err := conn.ImportSealed(ctx, cred, req)
	if err == nil || !errors.Is(err, contracts.ErrTransportFailure) || ctx.Err() != nil {
		return entry, err
	}
	log.Warn("import outcome unknown; checking request id", "error", err.Error())
	found, ok, lookupErr := conn.LookupImport(ctx, cred, req.RequestID)
	if lookupErr != nil {
		return models.EntrySummary{}, lookupErr
	}
	if ok {
		return found, nil
	}
	return conn.ImportSealed(ctx, cred, req)
}

func withDefaults(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.KeyType == "" {
		opts.KeyType = models.KeyTypeEd25519
	}
	if opts.Recipient == "" {
		opts.Recipient = DefaultRecipient
	}
	if opts.Amount == "" {
		opts.Amount = DefaultAmount
	}
	return opts
}
