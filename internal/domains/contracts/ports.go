package contracts

import (
	"context"
	"time"

	"custody-signer/go-backend/pkg/models"
)

// AuthCheck is the outcome of verifying an auth method without side effects.
type AuthCheck struct {
	ControllingAddress string    `json:"controlling_address"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// CustodyService is the surface the RPC adapter exposes. Every call carries
// its own credential; there is no implicit session.
type CustodyService interface {
	VerifyAuth(ctx context.Context, method models.AuthMethod) (AuthCheck, error)
	Mint(ctx context.Context, method models.AuthMethod, scopes []models.Scope) (models.DelegatedIdentity, error)
	LookupIdentities(ctx context.Context, method models.AuthMethod) ([]models.DelegatedIdentity, error)
	IssueSession(ctx context.Context, identityID string, method models.AuthMethod, abilities []models.Ability, ttl time.Duration) (models.SessionCredential, error)
	ImportSealed(ctx context.Context, cred models.SessionCredential, req models.SealedImport) (models.EntrySummary, error)
	LookupImport(ctx context.Context, cred models.SessionCredential, requestID string) (models.EntrySummary, bool, error)
	FetchForSigning(ctx context.Context, entryID string, cred models.SessionCredential) (models.SigningHandle, error)
	Sign(ctx context.Context, req models.SigningRequest) (models.SigningResult, error)
	SealingKey(ctx context.Context) (models.SealingKeyInfo, error)
}
