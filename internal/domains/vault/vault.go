// Package vault stores imported keys as sealed envelopes bound to their
// owner identity. The vault never holds a key that can open them: it can
// only issue single-use signing handles that the executor redeems.
package vault

import (
	"context"
	"crypto/rand"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"custody-signer/go-backend/internal/crypto"
	"custody-signer/go-backend/internal/domains/accesscontrol"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/domains/registry"
	"custody-signer/go-backend/internal/domains/session"
	"custody-signer/go-backend/internal/keytypes"
	"custody-signer/go-backend/internal/platform/keylock"
	"custody-signer/go-backend/pkg/models"

	"github.com/mr-tron/base58"
)

const (
	DefaultHandleTTL = 60 * time.Second
	maxRequestIDLen  = 128
	entryIDPrefix    = "ent_"
)

type SessionVerifier interface {
	Verify(cred models.SessionCredential) error
}

type IdentitySource interface {
	Get(identityID string) (registry.Record, bool)
}

type Vault struct {
	sessions      SessionVerifier
	identities    IdentitySource
	sealingPublic []byte
	handleTTL     time.Duration
	now           func() time.Time
	locks         *keylock.Map

	mu        sync.RWMutex
	entries   map[string]models.VaultEntry
	byRequest map[string]string
	store     snapshotStore

	handles *handleBook
}

func New(sessions SessionVerifier, identities IdentitySource, sealingPublicKey []byte, handleTTL time.Duration) *Vault {
	if handleTTL <= 0 {
		handleTTL = DefaultHandleTTL
	}
	return &Vault{
		sessions:      sessions,
		identities:    identities,
		sealingPublic: slices.Clone(sealingPublicKey),
		handleTTL:     handleTTL,
		now:           time.Now,
		locks:         keylock.New(),
		entries:       make(map[string]models.VaultEntry),
		byRequest:     make(map[string]string),
		handles:       newHandleBook(),
	}
}

func (v *Vault) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Import seals plaintextKey to the trust network and stores the envelope.
// plaintextKey is wiped before Import returns, on every path.
func (v *Vault) Import(ctx context.Context, cred models.SessionCredential, plaintextKey []byte, keyType models.KeyType, cond models.AccessControlCondition, requestID string) (string, error) {
	defer crypto.Wipe(plaintextKey)
	if err := ctx.Err(); err != nil {
		return "", contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	rec, err := v.authorizeImport(cred)
	if err != nil {
		return "", err
	}
	if err := keytypes.Validate(keyType); err != nil {
		return "", contracts.NewError(contracts.KindInvalidRequest, "unsupported key type")
	}
	pub, err := keytypes.PublicKey(keyType, plaintextKey)
	if err != nil {
		return "", contracts.NewError(contracts.KindInvalidRequest, "key material is invalid for key type")
	}
	env, err := crypto.Seal(v.sealingPublic, BindingFor(rec, keyType), plaintextKey)
	if err != nil {
		return "", contracts.WrapError(contracts.KindInternal, "sealing failed", err)
	}
	summary, err := v.storeSealed(rec.Identity.IdentityID, models.SealedImport{
		RequestID:       requestID,
		KeyType:         keyType,
		PublicKey:       pub,
		Sealed:          env,
		AccessCondition: cond,
	})
	if err != nil {
		return "", err
	}
	return summary.EntryID, nil
}

// ImportSealed stores a key the client already sealed to SealingPublicKey.
// The vault cannot check that the envelope matches PublicKey; the executor
// does so after opening it.
func (v *Vault) ImportSealed(ctx context.Context, cred models.SessionCredential, req models.SealedImport) (models.EntrySummary, error) {
	if err := ctx.Err(); err != nil {
		return models.EntrySummary{}, contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	rec, err := v.authorizeImport(cred)
	if err != nil {
		return models.EntrySummary{}, err
	}
	if err := keytypes.Validate(req.KeyType); err != nil {
		return models.EntrySummary{}, contracts.NewError(contracts.KindInvalidRequest, "unsupported key type")
	}
	if err := keytypes.ValidatePublicKey(req.KeyType, req.PublicKey); err != nil {
		return models.EntrySummary{}, contracts.NewError(contracts.KindInvalidRequest, "public key is invalid for key type")
	}
	if req.Sealed.Empty() || req.Sealed.Version != crypto.SealVersion {
		return models.EntrySummary{}, contracts.NewError(contracts.KindInvalidRequest, "sealed envelope is invalid")
	}
	return v.storeSealed(rec.Identity.IdentityID, req)
}

// LookupImport reports the entry created by an earlier import with requestID.
func (v *Vault) LookupImport(ctx context.Context, cred models.SessionCredential, requestID string) (models.EntrySummary, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.EntrySummary{}, false, contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	rec, err := v.authorizeImport(cred)
	if err != nil {
		return models.EntrySummary{}, false, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return models.EntrySummary{}, false, contracts.NewError(contracts.KindInvalidRequest, "request id is required")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	entryID, ok := v.byRequest[requestKey(rec.Identity.IdentityID, requestID)]
	if !ok {
		return models.EntrySummary{}, false, nil
	}
	return v.entries[entryID].Summary(), true, nil
}

// Entries lists the summaries of entries owned by the credential's identity.
func (v *Vault) Entries(cred models.SessionCredential) ([]models.EntrySummary, error) {
	if err := v.sessions.Verify(cred); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.EntrySummary, 0)
	for _, e := range v.entries {
		if e.OwnerIdentityID == cred.IdentityID {
			out = append(out, e.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (v *Vault) SealingPublicKey() []byte {
	return slices.Clone(v.sealingPublic)
}

func (v *Vault) authorizeImport(cred models.SessionCredential) (registry.Record, error) {
	if err := v.sessions.Verify(cred); err != nil {
		return registry.Record{}, err
	}
	if !session.Allows(cred, models.ScopeImport, cred.IdentityID) {
		return registry.Record{}, contracts.NewError(contracts.KindUnauthorizedImport, "session does not grant import")
	}
	rec, ok := v.identities.Get(cred.IdentityID)
	if !ok {
		return registry.Record{}, contracts.NewError(contracts.KindUnauthorizedImport, "owner identity is unknown")
	}
	if !rec.Identity.Permits(models.ScopeImport) {
		return registry.Record{}, contracts.NewError(contracts.KindUnauthorizedImport, "identity does not permit import")
	}
	return rec, nil
}

// storeSealed persists a sealed import, returning the existing entry when the
// owner already imported under the same request id.
func (v *Vault) storeSealed(ownerID string, req models.SealedImport) (models.EntrySummary, error) {
	if err := accesscontrol.Validate(req.AccessCondition); err != nil {
		return models.EntrySummary{}, contracts.WrapError(contracts.KindInvalidRequest, "access condition is invalid", err)
	}
	requestID := strings.TrimSpace(req.RequestID)
	if len(requestID) > maxRequestIDLen {
		return models.EntrySummary{}, contracts.NewError(contracts.KindInvalidRequest, "request id is too long")
	}

	unlock := v.locks.Lock(ownerID)
	defer unlock()

	if requestID != "" {
		v.mu.RLock()
		existing, ok := v.byRequest[requestKey(ownerID, requestID)]
		summary := v.entries[existing].Summary()
		v.mu.RUnlock()
		if ok {
			return summary, nil
		}
	}
	entryID, err := newID(entryIDPrefix, 16)
	if err != nil {
		return models.EntrySummary{}, contracts.WrapError(contracts.KindInternal, "entry id generation failed", err)
	}
	entry := models.VaultEntry{
		EntryID:         entryID,
		OwnerIdentityID: ownerID,
		KeyType:         req.KeyType,
		PublicKey:       slices.Clone(req.PublicKey),
		Ciphertext:      req.Sealed,
		AccessCondition: req.AccessCondition,
		ImportRequestID: requestID,
		CreatedAt:       v.now().UTC(),
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[entryID] = entry
	if requestID != "" {
		v.byRequest[requestKey(ownerID, requestID)] = entryID
	}
	if err := v.persistLocked(); err != nil {
		delete(v.entries, entryID)
		delete(v.byRequest, requestKey(ownerID, requestID))
		return models.EntrySummary{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return entry.Summary(), nil
}

// BindingFor is the envelope binding for an entry of keyType owned by rec.
func BindingFor(rec registry.Record, keyType models.KeyType) crypto.Binding {
	return crypto.IdentityBinding(rec.Identity, keyType)
}

func requestKey(ownerID, requestID string) string {
	return ownerID + "|" + requestID
}

func newID(prefix string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + base58.Encode(buf), nil
}
