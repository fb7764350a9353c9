// Package registry mints delegated identities controlled by wallet
// addresses. Identity signing keys live in the trust network: the registry
// stores only the derivation salt, never a private key.
package registry

import (
	"context"
	"crypto/rand"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"custody-signer/go-backend/internal/domains/auth"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/netkeys"
	"custody-signer/go-backend/internal/platform/keylock"
	"custody-signer/go-backend/pkg/models"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	identityIDPrefix = "dlg1"
	keySaltSize      = 32
)

// Record is the registry's internal view of an identity.
type Record struct {
	Identity models.DelegatedIdentity `json:"identity"`
	KeySalt  []byte                   `json:"key_salt"`
}

type Registry struct {
	root     *netkeys.Root
	verifier auth.Verifier
	now      func() time.Time
	locks    *keylock.Map

	mu        sync.RWMutex
	byID      map[string]Record
	byAddress map[string][]string
	store     snapshotStore
}

func New(root *netkeys.Root, verifier auth.Verifier) *Registry {
	return &Registry{
		root:      root,
		verifier:  verifier,
		now:       time.Now,
		locks:     keylock.New(),
		byID:      make(map[string]Record),
		byAddress: make(map[string][]string),
	}
}

// SetClock overrides the mint timestamp clock.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Mint creates a new identity controlled by the auth method's signer with
// exactly the requested scopes.
func (r *Registry) Mint(ctx context.Context, method models.AuthMethod, scopes []models.Scope) (models.DelegatedIdentity, error) {
	if err := ctx.Err(); err != nil {
		return models.DelegatedIdentity{}, contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	address, err := r.verifier.Verify(method)
	if err != nil {
		return models.DelegatedIdentity{}, err
	}
	permitted, err := normalizeScopes(scopes)
	if err != nil {
		return models.DelegatedIdentity{}, err
	}

	unlock := r.locks.Lock(address)
	defer unlock()

	salt := make([]byte, keySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return models.DelegatedIdentity{}, contracts.WrapError(contracts.KindInternal, "salt generation failed", err)
	}
	pub, err := r.root.IdentityPublicKey(salt)
	if err != nil {
		return models.DelegatedIdentity{}, contracts.WrapError(contracts.KindInternal, "identity key derivation failed", err)
	}
	ident := models.DelegatedIdentity{
		IdentityID:         BuildIdentityID(pub),
		PublicKey:          pub,
		ControllingAddress: address,
		PermittedScopes:    permitted,
		MintedAt:           r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[ident.IdentityID]; exists {
		return models.DelegatedIdentity{}, contracts.NewError(contracts.KindInternal, "identity id collision")
	}
	r.byID[ident.IdentityID] = Record{Identity: ident, KeySalt: salt}
	r.byAddress[address] = append(r.byAddress[address], ident.IdentityID)
	if err := r.persistLocked(); err != nil {
		delete(r.byID, ident.IdentityID)
		r.byAddress[address] = slices.DeleteFunc(r.byAddress[address], func(id string) bool { return id == ident.IdentityID })
		return models.DelegatedIdentity{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return cloneIdentity(ident), nil
}

// Lookup lists identities controlled by the auth method's signer, oldest first.
func (r *Registry) Lookup(ctx context.Context, method models.AuthMethod) ([]models.DelegatedIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	address, err := r.verifier.Verify(method)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byAddress[address]
	out := make([]models.DelegatedIdentity, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.byID[id]; ok {
			out = append(out, cloneIdentity(rec.Identity))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MintedAt.Equal(out[j].MintedAt) {
			return out[i].IdentityID < out[j].IdentityID
		}
		return out[i].MintedAt.Before(out[j].MintedAt)
	})
	return out, nil
}

// Get returns the internal record for identityID.
func (r *Registry) Get(identityID string) (Record, bool) {
	identityID = strings.TrimSpace(identityID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[identityID]
	if !ok {
		return Record{}, false
	}
	return Record{Identity: cloneIdentity(rec.Identity), KeySalt: slices.Clone(rec.KeySalt)}, true
}

// BuildIdentityID is "dlg1" + base58(blake2b-256(publicKey)).
func BuildIdentityID(publicKey []byte) string {
	sum := blake2b.Sum256(publicKey)
	return identityIDPrefix + base58.Encode(sum[:])
}

func normalizeScopes(scopes []models.Scope) ([]models.Scope, error) {
	if len(scopes) == 0 {
		return nil, contracts.NewError(contracts.KindScopeNotPermitted, "at least one scope is required")
	}
	out := make([]models.Scope, 0, len(scopes))
	for _, s := range scopes {
		s = models.Scope(strings.TrimSpace(string(s)))
		if !s.Valid() {
			return nil, contracts.NewError(contracts.KindScopeNotPermitted, "unknown scope "+string(s))
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out, nil
}

func cloneIdentity(in models.DelegatedIdentity) models.DelegatedIdentity {
	in.PublicKey = slices.Clone(in.PublicKey)
	in.PermittedScopes = slices.Clone(in.PermittedScopes)
	return in
}
