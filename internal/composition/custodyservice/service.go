// Package custodyservice composes the custody domains into the service the
// RPC adapter exposes.
package custodyservice

import (
	"context"
	"log/slog"
	"time"

	"custody-signer/go-backend/internal/crypto"
	"custody-signer/go-backend/internal/domains/auth"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/domains/executor"
	"custody-signer/go-backend/internal/domains/registry"
	"custody-signer/go-backend/internal/domains/session"
	"custody-signer/go-backend/internal/domains/vault"
	"custody-signer/go-backend/internal/netkeys"
	"custody-signer/go-backend/internal/platform/metrics"
	"custody-signer/go-backend/pkg/models"
)

type Service struct {
	verifier auth.Verifier
	registry *registry.Registry
	sessions *session.Authority
	vault    *vault.Vault
	executor *executor.Executor
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

var _ contracts.CustodyService = (*Service)(nil)

func (s *Service) VerifyAuth(ctx context.Context, method models.AuthMethod) (check contracts.AuthCheck, err error) {
	defer s.observe(ctx, "auth.lookup", time.Now(), &err)
	if err = ctx.Err(); err != nil {
		return contracts.AuthCheck{}, contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	address, err := s.verifier.Verify(method)
	if err != nil {
		return contracts.AuthCheck{}, err
	}
	return contracts.AuthCheck{ControllingAddress: address, ExpiresAt: method.ExpiresAt.UTC()}, nil
}

func (s *Service) Mint(ctx context.Context, method models.AuthMethod, scopes []models.Scope) (ident models.DelegatedIdentity, err error) {
	defer s.observe(ctx, "registry.mint", time.Now(), &err)
	ident, err = s.registry.Mint(ctx, method, scopes)
	if err == nil {
		s.logInfo(ctx, "registry.mint", "identity minted",
			"identity_id", ident.IdentityID,
			"controlling_address", ident.ControllingAddress,
			"scopes", len(ident.PermittedScopes),
		)
	}
	return ident, err
}

func (s *Service) LookupIdentities(ctx context.Context, method models.AuthMethod) (out []models.DelegatedIdentity, err error) {
	defer s.observe(ctx, "registry.lookup", time.Now(), &err)
	return s.registry.Lookup(ctx, method)
}

func (s *Service) IssueSession(ctx context.Context, identityID string, method models.AuthMethod, abilities []models.Ability, ttl time.Duration) (cred models.SessionCredential, err error) {
	defer s.observe(ctx, "session.issue", time.Now(), &err)
	cred, err = s.sessions.IssueSession(ctx, identityID, method, abilities, ttl)
	if err == nil {
		s.logInfo(ctx, "session.issue", "session issued",
			"identity_id", cred.IdentityID,
			"abilities", len(cred.GrantedAbilities),
			"expires_at", cred.ExpiresAt,
		)
	}
	return cred, err
}

func (s *Service) ImportSealed(ctx context.Context, cred models.SessionCredential, req models.SealedImport) (summary models.EntrySummary, err error) {
	defer s.observe(ctx, "vault.import", time.Now(), &err)
	summary, err = s.vault.ImportSealed(ctx, cred, req)
	if err == nil {
		s.logInfo(ctx, "vault.import", "key imported",
			"owner_identity_id", summary.OwnerIdentityID,
			"entry_id", summary.EntryID,
			"key_type", summary.KeyType,
		)
	}
	return summary, err
}

func (s *Service) LookupImport(ctx context.Context, cred models.SessionCredential, requestID string) (summary models.EntrySummary, found bool, err error) {
	defer s.observe(ctx, "vault.lookup_import", time.Now(), &err)
	return s.vault.LookupImport(ctx, cred, requestID)
}

func (s *Service) FetchForSigning(ctx context.Context, entryID string, cred models.SessionCredential) (handle models.SigningHandle, err error) {
	defer s.observe(ctx, "vault.fetch_for_signing", time.Now(), &err)
	return s.vault.FetchForSigning(ctx, entryID, cred)
}

func (s *Service) Sign(ctx context.Context, req models.SigningRequest) (result models.SigningResult, err error) {
	defer s.observe(ctx, "executor.sign", time.Now(), &err)
	result, err = s.executor.Sign(ctx, req)
	if err == nil {
		s.logInfo(ctx, "executor.sign", "payload signed",
			"entry_id", req.Handle.EntryID,
			"payload_bytes", len(req.Payload),
		)
	}
	return result, err
}

func (s *Service) SealingKey(ctx context.Context) (info models.SealingKeyInfo, err error) {
	defer s.observe(ctx, "executor.sealing_key", time.Now(), &err)
	pub, err := s.executor.SealingPublicKey()
	if err != nil {
		return models.SealingKeyInfo{}, contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, contracts.WrapError(contracts.KindInternal, "sealing key unavailable", err))
	}
	return models.SealingKeyInfo{PublicKey: pub, Version: crypto.SealVersion}, nil
}

func (s *Service) observe(ctx context.Context, operation string, started time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	kind := ""
	if err != nil {
		kind = string(contracts.KindOf(err))
		s.recordErrorWithContext(ctx, contracts.ErrorCategory(err), err, operation, "kind", kind)
	}
	s.metrics.ObserveOperation(operation, started, kind)
}

func (s *Service) observeSigning(t executor.Transition) {
	s.metrics.RecordSigningState(string(t.State))
	if t.State == executor.StateFailed {
		s.logger.Debug("signing transition",
			"component", componentName,
			"operation", "executor.sign",
			"handle_id", t.HandleID,
			"state", string(t.State),
			"reason", t.Reason,
		)
	}
}

func newService(root *netkeys.Root, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	verifier := auth.Verifier{Now: now}

	reg := registry.New(root, verifier)
	reg.SetClock(now)
	sessions := session.NewAuthority(reg, root, verifier, opts.SessionMaxTTL)
	sessions.SetClock(now)

	s := &Service{
		verifier: verifier,
		registry: reg,
		sessions: sessions,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	sealingPriv, sealingPub, err := root.SealingKeyPair()
	if err != nil {
		return nil, err
	}
	crypto.Wipe(sealingPriv)
	s.vault = vault.New(sessions, reg, sealingPub, opts.HandleTTL)
	s.vault.SetClock(now)
	s.executor = executor.New(root, s.vault, sessions, reg, executor.Options{
		MaxPayload: opts.MaxPayload,
		Observer:   s.observeSigning,
		Now:        now,
	})
	return s, nil
}
