package vault

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"custody-signer/go-backend/internal/domains/accesscontrol"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/domains/session"
	"custody-signer/go-backend/pkg/models"
)

const handleIDPrefix = "hdl_"

var (
	ErrHandleUnknown = errors.New("signing handle is unknown or already used")
	ErrHandleExpired = errors.New("signing handle is expired")
)

// Redemption is what the executor receives for a valid handle.
type Redemption struct {
	Entry           models.VaultEntry
	AssertedAddress string
}

type pendingHandle struct {
	entryID   string
	ownerID   string
	address   string
	expiresAt time.Time
}

// handleBook tracks issued handles; each can be redeemed once.
type handleBook struct {
	mu      sync.Mutex
	pending map[string]pendingHandle
}

func newHandleBook() *handleBook {
	return &handleBook{pending: make(map[string]pendingHandle)}
}

func (b *handleBook) issue(id string, h pendingHandle, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, p := range b.pending {
		if !now.Before(p.expiresAt) {
			delete(b.pending, k)
		}
	}
	b.pending[id] = h
}

func (b *handleBook) take(id string, now time.Time) (pendingHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.pending[id]
	if !ok {
		return pendingHandle{}, ErrHandleUnknown
	}
	delete(b.pending, id)
	if !now.Before(h.expiresAt) {
		return pendingHandle{}, ErrHandleExpired
	}
	return h, nil
}

func (b *handleBook) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// FetchForSigning checks the session and the entry's access condition and
// issues a single-use handle. No key material is returned.
func (v *Vault) FetchForSigning(ctx context.Context, entryID string, cred models.SessionCredential) (models.SigningHandle, error) {
	if err := ctx.Err(); err != nil {
		return models.SigningHandle{}, contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err)
	}
	if err := v.sessions.Verify(cred); err != nil {
		return models.SigningHandle{}, err
	}
	entryID = strings.TrimSpace(entryID)
	v.mu.RLock()
	entry, ok := v.entries[entryID]
	v.mu.RUnlock()
	if !ok {
		return models.SigningHandle{}, contracts.NewError(contracts.KindNotFound, "vault entry not found")
	}
	if !session.Allows(cred, models.ScopeSign, entry.OwnerIdentityID) {
		return models.SigningHandle{}, contracts.NewError(contracts.KindScopeNotPermitted, "session does not grant sign on entry owner")
	}
	allowed, err := accesscontrol.Evaluate(entry.AccessCondition, cred.ControllingAddress)
	if err != nil || !allowed {
		return models.SigningHandle{}, contracts.NewError(contracts.KindAccessConditionNotMet, "access condition not met")
	}

	handleID, err := newID(handleIDPrefix, 24)
	if err != nil {
		return models.SigningHandle{}, contracts.WrapError(contracts.KindInternal, "handle generation failed", err)
	}
	now := v.now().UTC()
	expiresAt := now.Add(v.handleTTL)
	v.handles.issue(handleID, pendingHandle{
		entryID:   entry.EntryID,
		ownerID:   entry.OwnerIdentityID,
		address:   cred.ControllingAddress,
		expiresAt: expiresAt,
	}, now)
	return models.SigningHandle{HandleID: handleID, EntryID: entry.EntryID, ExpiresAt: expiresAt}, nil
}

// Redeem consumes a handle. Only the executor calls this; a handle is gone
// after the first attempt whether or not it was still valid.
func (v *Vault) Redeem(handleID string) (Redemption, error) {
	h, err := v.handles.take(strings.TrimSpace(handleID), v.now().UTC())
	if err != nil {
		return Redemption{}, err
	}
	v.mu.RLock()
	entry, ok := v.entries[h.entryID]
	v.mu.RUnlock()
	if !ok || entry.OwnerIdentityID != h.ownerID {
		return Redemption{}, ErrHandleUnknown
	}
	return Redemption{Entry: entry, AssertedAddress: h.address}, nil
}
