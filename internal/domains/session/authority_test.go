package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/domains/registry"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/internal/testutil/custodytest"
	"custody-signer/go-backend/pkg/models"
)

type fixture struct {
	clock     *custodytest.Clock
	registry  *registry.Registry
	authority *Authority
	wallet    *identity.Keypair
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := custodytest.NewClock(custodytest.Epoch)
	root := custodytest.Root(t)
	reg := registry.New(root, custodytest.Verifier(clock))
	reg.SetClock(clock.Now)
	authority := NewAuthority(reg, root, custodytest.Verifier(clock), 0)
	authority.SetClock(clock.Now)
	return fixture{clock: clock, registry: reg, authority: authority, wallet: custodytest.Wallet(t)}
}

func (f fixture) mint(t *testing.T, scopes ...models.Scope) models.DelegatedIdentity {
	t.Helper()
	ident, err := f.registry.Mint(context.Background(), f.auth(t), scopes)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return ident
}

func (f fixture) auth(t *testing.T) models.AuthMethod {
	t.Helper()
	return custodytest.AuthMethod(t, f.wallet, f.clock, 10*time.Minute)
}

func abilities(scopes ...models.Scope) []models.Ability {
	out := make([]models.Ability, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, models.Ability{Resource: models.AnyResource, Ability: s})
	}
	return out
}

func TestIssueSession_GrantsIntersectionOfPermittedScopes(t *testing.T) {
	cases := []struct {
		name      string
		permitted []models.Scope
		requested []models.Scope
		granted   []models.Scope
		err       error
	}{
		{name: "sign only asks both", permitted: []models.Scope{models.ScopeSign}, requested: []models.Scope{models.ScopeSign, models.ScopeImport}, granted: []models.Scope{models.ScopeSign}},
		{name: "both asks both", permitted: []models.Scope{models.ScopeSign, models.ScopeImport}, requested: []models.Scope{models.ScopeSign, models.ScopeImport}, granted: []models.Scope{models.ScopeSign, models.ScopeImport}},
		{name: "both asks import", permitted: []models.Scope{models.ScopeSign, models.ScopeImport}, requested: []models.Scope{models.ScopeImport}, granted: []models.Scope{models.ScopeImport}},
		{name: "sign only asks import", permitted: []models.Scope{models.ScopeSign}, requested: []models.Scope{models.ScopeImport}, err: contracts.ErrScopeNotPermitted},
		{name: "unknown ability", permitted: []models.Scope{models.ScopeSign}, requested: []models.Scope{"admin"}, err: contracts.ErrScopeNotPermitted},
		{name: "nothing requested", permitted: []models.Scope{models.ScopeSign}, err: contracts.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ident := f.mint(t, tc.permitted...)
			cred, err := f.authority.IssueSession(context.Background(), ident.IdentityID, f.auth(t), abilities(tc.requested...), 0)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if len(cred.GrantedAbilities) != len(tc.granted) {
				t.Fatalf("expected %d abilities, got %+v", len(tc.granted), cred.GrantedAbilities)
			}
			for _, g := range cred.GrantedAbilities {
				if !ident.Permits(g.Ability) {
					t.Fatalf("granted %q outside permitted scopes", g.Ability)
				}
			}
			for _, s := range tc.granted {
				if !Allows(cred, s, ident.IdentityID) {
					t.Fatalf("expected %q to be allowed", s)
				}
			}
		})
	}
}

func TestIssueSession_ClampsTTL(t *testing.T) {
	f := newFixture(t)
	ident := f.mint(t, models.ScopeSign)

	def, err := f.authority.IssueSession(context.Background(), ident.IdentityID, f.auth(t), abilities(models.ScopeSign), 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := def.ExpiresAt.Sub(def.IssuedAt); got != DefaultTTL {
		t.Fatalf("expected default ttl, got %s", got)
	}
	long, err := f.authority.IssueSession(context.Background(), ident.IdentityID, f.auth(t), abilities(models.ScopeSign), 48*time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := long.ExpiresAt.Sub(long.IssuedAt); got != DefaultMaxTTL {
		t.Fatalf("expected max ttl, got %s", got)
	}
}

func TestIssueSession_RejectsExpiredAuthAndOtherController(t *testing.T) {
	f := newFixture(t)
	ident := f.mint(t, models.ScopeSign)

	stale := custodytest.AuthMethod(t, f.wallet, f.clock, time.Minute)
	f.clock.Advance(2 * time.Minute)
	if _, err := f.authority.IssueSession(context.Background(), ident.IdentityID, stale, abilities(models.ScopeSign), 0); !errors.Is(err, contracts.ErrExpiredCredential) {
		t.Fatalf("expected ExpiredCredential, got %v", err)
	}
	if _, err := f.authority.IssueSession(context.Background(), "dlg1unknown", stale, abilities(models.ScopeSign), 0); !errors.Is(err, contracts.ErrExpiredCredential) {
		t.Fatalf("expired auth method must be rejected before identity lookup, got %v", err)
	}

	intruder := custodytest.AuthMethod(t, custodytest.Wallet(t), f.clock, time.Minute)
	if _, err := f.authority.IssueSession(context.Background(), ident.IdentityID, intruder, abilities(models.ScopeSign), 0); !errors.Is(err, contracts.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}

	if _, err := f.authority.IssueSession(context.Background(), "dlg1missing", f.auth(t), abilities(models.ScopeSign), 0); !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestIssueSession_DropsAbilitiesOnOtherResources(t *testing.T) {
	f := newFixture(t)
	ident := f.mint(t, models.ScopeSign, models.ScopeImport)
	requested := []models.Ability{
		{Resource: "dlg1someoneelse", Ability: models.ScopeImport},
		{Resource: ident.IdentityID, Ability: models.ScopeSign},
	}
	cred, err := f.authority.IssueSession(context.Background(), ident.IdentityID, f.auth(t), requested, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if Allows(cred, models.ScopeImport, ident.IdentityID) {
		t.Fatal("ability on another resource must not be granted")
	}
	if !Allows(cred, models.ScopeSign, ident.IdentityID) {
		t.Fatal("expected sign on own resource")
	}
	if Allows(cred, models.ScopeSign, "dlg1someoneelse") {
		t.Fatal("credential must not allow abilities on other identities")
	}
}

func TestVerify_ExpiresAndDetectsTampering(t *testing.T) {
	f := newFixture(t)
	ident := f.mint(t, models.ScopeSign)
	cred, err := f.authority.IssueSession(context.Background(), ident.IdentityID, f.auth(t), abilities(models.ScopeSign), 10*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.Contains(cred.Proof, ".") {
		t.Fatalf("expected compact JWS proof, got %q", cred.Proof)
	}
	if err := f.authority.Verify(cred); err != nil {
		t.Fatalf("verify: %v", err)
	}

	escalated := cred
	escalated.GrantedAbilities = append(append([]models.Ability(nil), cred.GrantedAbilities...), models.Ability{Resource: models.AnyResource, Ability: models.ScopeImport})
	if err := f.authority.Verify(escalated); !errors.Is(err, contracts.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature for escalated abilities, got %v", err)
	}

	extended := cred
	extended.ExpiresAt = cred.ExpiresAt.Add(time.Hour)
	if err := f.authority.Verify(extended); !errors.Is(err, contracts.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature for extended expiry, got %v", err)
	}

	f.clock.Advance(10*time.Minute + time.Second)
	if err := f.authority.Verify(cred); !errors.Is(err, contracts.ErrExpiredCredential) {
		t.Fatalf("expected ExpiredCredential, got %v", err)
	}
}

func TestIssueSession_DoesNotMutateIdentity(t *testing.T) {
	f := newFixture(t)
	ident := f.mint(t, models.ScopeSign)
	if _, err := f.authority.IssueSession(context.Background(), ident.IdentityID, f.auth(t), abilities(models.ScopeSign), 0); err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec, ok := f.registry.Get(ident.IdentityID)
	if !ok {
		t.Fatal("identity vanished")
	}
	if len(rec.Identity.PermittedScopes) != 1 || rec.Identity.PermittedScopes[0] != models.ScopeSign {
		t.Fatalf("permitted scopes changed: %v", rec.Identity.PermittedScopes)
	}
}
