// Package session issues short-lived capability credentials for delegated
// identities. Credentials are self-contained: the proof is an EdDSA JWS
// signed by the identity key, so verification needs no session table.
package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"custody-signer/go-backend/internal/domains/auth"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/domains/registry"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/internal/netkeys"
	"custody-signer/go-backend/pkg/models"
)

const (
	DefaultTTL    = 10 * time.Minute
	DefaultMaxTTL = time.Hour
	MinTTL        = time.Second
)

type IdentitySource interface {
	Get(identityID string) (registry.Record, bool)
}

type Authority struct {
	identities IdentitySource
	root       *netkeys.Root
	verifier   auth.Verifier
	maxTTL     time.Duration
	now        func() time.Time
}

func NewAuthority(identities IdentitySource, root *netkeys.Root, verifier auth.Verifier, maxTTL time.Duration) *Authority {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &Authority{
		identities: identities,
		root:       root,
		verifier:   verifier,
		maxTTL:     maxTTL,
		now:        time.Now,
	}
}

func (a *Authority) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// IssueSession grants the requested abilities that the identity permits.
// Abilities on a resource other than "*" or identityID are dropped.
func (a *Authority) IssueSession(ctx context.Context, identityID string, method models.AuthMethod, requested []models.Ability, ttl time.Duration) (models.SessionCredential, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionCredential{}, contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	address, err := a.verifier.Verify(method)
	if err != nil {
		return models.SessionCredential{}, err
	}
	identityID = strings.TrimSpace(identityID)
	rec, ok := a.identities.Get(identityID)
	if !ok {
		return models.SessionCredential{}, contracts.NewError(contracts.KindNotFound, "delegated identity not found")
	}
	if !identity.SameAddress(address, rec.Identity.ControllingAddress) {
		return models.SessionCredential{}, contracts.NewError(contracts.KindInvalidSignature, "auth method does not control identity")
	}
	if len(requested) == 0 {
		return models.SessionCredential{}, contracts.NewError(contracts.KindInvalidRequest, "at least one ability is required")
	}
	granted := grantAbilities(rec.Identity, requested)
	if len(granted) == 0 {
		return models.SessionCredential{}, contracts.NewError(contracts.KindScopeNotPermitted, "no requested ability is permitted")
	}

	issuedAt := a.now().UTC()
	cred := models.SessionCredential{
		IdentityID:         rec.Identity.IdentityID,
		ControllingAddress: rec.Identity.ControllingAddress,
		GrantedAbilities:   granted,
		IssuedAt:           issuedAt,
		ExpiresAt:          issuedAt.Add(a.clampTTL(ttl)),
	}
	priv, err := a.root.IdentityKey(rec.KeySalt)
	if err != nil {
		return models.SessionCredential{}, contracts.WrapError(contracts.KindInternal, "identity key derivation failed", err)
	}
	proof, err := signProof(priv, cred)
	wipe(priv)
	if err != nil {
		return models.SessionCredential{}, contracts.WrapError(contracts.KindSigningPrimitiveFailure, "session proof signing failed", err)
	}
	cred.Proof = proof
	return cred, nil
}

// Verify checks expiry and that the proof was signed by the identity's key
// over exactly the credential's fields.
func (a *Authority) Verify(cred models.SessionCredential) error {
	if strings.TrimSpace(cred.Proof) == "" || strings.TrimSpace(cred.IdentityID) == "" {
		return contracts.NewError(contracts.KindInvalidSignature, "session credential is malformed")
	}
	if !a.now().UTC().Before(cred.ExpiresAt) {
		return contracts.NewError(contracts.KindExpiredCredential, "session credential expired")
	}
	rec, ok := a.identities.Get(cred.IdentityID)
	if !ok {
		return contracts.NewError(contracts.KindInvalidSignature, "session credential identity is unknown")
	}
	claims, err := verifyProof(rec.Identity.PublicKey, cred.Proof)
	if err != nil {
		return contracts.WrapError(contracts.KindInvalidSignature, "session proof does not verify", err)
	}
	if !claims.matches(cred) || !identity.SameAddress(cred.ControllingAddress, rec.Identity.ControllingAddress) {
		return contracts.NewError(contracts.KindInvalidSignature, "session credential does not match its proof")
	}
	return nil
}

// Allows reports whether cred grants ability on identityID.
func Allows(cred models.SessionCredential, ability models.Scope, identityID string) bool {
	if cred.IdentityID != identityID {
		return false
	}
	for _, g := range cred.GrantedAbilities {
		if g.Ability == ability && (g.Resource == models.AnyResource || g.Resource == identityID) {
			return true
		}
	}
	return false
}

func (a *Authority) clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl < MinTTL:
		ttl = MinTTL
	}
	if ttl > a.maxTTL {
		ttl = a.maxTTL
	}
	return ttl
}

func grantAbilities(ident models.DelegatedIdentity, requested []models.Ability) []models.Ability {
	granted := make([]models.Ability, 0, len(requested))
	for _, req := range requested {
		resource := strings.TrimSpace(req.Resource)
		if resource != models.AnyResource && resource != ident.IdentityID {
			continue
		}
		if !req.Ability.Valid() || !ident.Permits(req.Ability) {
			continue
		}
		ability := models.Ability{Resource: resource, Ability: req.Ability}
		if !slices.Contains(granted, ability) {
			granted = append(granted, ability)
		}
	}
	return granted
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
