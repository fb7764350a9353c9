package rpc

import (
	"context"
	"sync"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/pkg/models"
)

// stubService records calls and returns canned results. errs is consumed
// per method in order; once empty the call succeeds.
type stubService struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error

	// When mintGate is set, Mint signals mintEntered and blocks until the
	// gate is closed.
	mintGate    chan struct{}
	mintEntered chan struct{}
}

func newStubService() *stubService {
	return &stubService{calls: make(map[string]int), errs: make(map[string][]error)}
}

func (s *stubService) failWith(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[method] = append(s.errs[method], errs...)
}

func (s *stubService) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *stubService) next(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	queue := s.errs[method]
	if len(queue) == 0 {
		return nil
	}
	s.errs[method] = queue[1:]
	return queue[0]
}

var stubTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (s *stubService) VerifyAuth(_ context.Context, method models.AuthMethod) (contracts.AuthCheck, error) {
	if err := s.next(methodAuthLookup); err != nil {
		return contracts.AuthCheck{}, err
	}
	return contracts.AuthCheck{ControllingAddress: method.SignerAddress, ExpiresAt: method.ExpiresAt}, nil
}

func (s *stubService) Mint(_ context.Context, method models.AuthMethod, scopes []models.Scope) (models.DelegatedIdentity, error) {
	if err := s.next(methodRegistryMint); err != nil {
		return models.DelegatedIdentity{}, err
	}
	if s.mintGate != nil {
		s.mintEntered <- struct{}{}
		<-s.mintGate
	}
	return models.DelegatedIdentity{
		IdentityID:         "dlg1stub",
		PublicKey:          []byte{1, 2, 3},
		ControllingAddress: method.SignerAddress,
		PermittedScopes:    scopes,
		MintedAt:           stubTime,
	}, nil
}

func (s *stubService) LookupIdentities(_ context.Context, method models.AuthMethod) ([]models.DelegatedIdentity, error) {
	if err := s.next(methodRegistryLookup); err != nil {
		return nil, err
	}
	return []models.DelegatedIdentity{{IdentityID: "dlg1stub", ControllingAddress: method.SignerAddress}}, nil
}

func (s *stubService) IssueSession(_ context.Context, identityID string, method models.AuthMethod, abilities []models.Ability, ttl time.Duration) (models.SessionCredential, error) {
	if err := s.next(methodSessionIssue); err != nil {
		return models.SessionCredential{}, err
	}
	return models.SessionCredential{
		IdentityID:         identityID,
		ControllingAddress: method.SignerAddress,
		GrantedAbilities:   abilities,
		IssuedAt:           stubTime,
		ExpiresAt:          stubTime.Add(ttl),
		Proof:              "proof",
	}, nil
}

func (s *stubService) ImportSealed(_ context.Context, cred models.SessionCredential, req models.SealedImport) (models.EntrySummary, error) {
	if err := s.next(methodVaultImport); err != nil {
		return models.EntrySummary{}, err
	}
	return models.EntrySummary{EntryID: "ent_stub", OwnerIdentityID: cred.IdentityID, KeyType: req.KeyType, ImportRequestID: req.RequestID}, nil
}

func (s *stubService) LookupImport(_ context.Context, cred models.SessionCredential, requestID string) (models.EntrySummary, bool, error) {
	if err := s.next(methodVaultLookupImport); err != nil {
		return models.EntrySummary{}, false, err
	}
	if requestID != "known" {
		return models.EntrySummary{}, false, nil
	}
	return models.EntrySummary{EntryID: "ent_stub", OwnerIdentityID: cred.IdentityID, ImportRequestID: requestID}, true, nil
}

func (s *stubService) FetchForSigning(_ context.Context, entryID string, _ models.SessionCredential) (models.SigningHandle, error) {
	if err := s.next(methodVaultFetch); err != nil {
		return models.SigningHandle{}, err
	}
	return models.SigningHandle{HandleID: "hdl_stub", EntryID: entryID, ExpiresAt: stubTime.Add(time.Minute)}, nil
}

func (s *stubService) Sign(_ context.Context, req models.SigningRequest) (models.SigningResult, error) {
	if err := s.next(methodExecutorSign); err != nil {
		return models.SigningResult{}, err
	}
	return models.SigningResult{Signature: append([]byte("sig:"), req.Payload...)}, nil
}

func (s *stubService) SealingKey(context.Context) (models.SealingKeyInfo, error) {
	if err := s.next(methodExecutorSealing); err != nil {
		return models.SealingKeyInfo{}, err
	}
	return models.SealingKeyInfo{PublicKey: make([]byte, 32), Version: 1}, nil
}
