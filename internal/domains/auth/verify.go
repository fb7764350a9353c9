package auth

import (
	"strings"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/pkg/models"
)

type Verifier struct {
	Domain string
	Now    func() time.Time
}

func NewVerifier() Verifier {
	return Verifier{Domain: DefaultDomain, Now: time.Now}
}

// Verify checks expiry first, then that the signature recovers to the
// claimed address. It returns the checksummed controlling address.
func (v Verifier) Verify(m models.AuthMethod) (string, error) {
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	if m.Kind != models.AuthMethodKindEthWallet {
		return "", contracts.NewError(contracts.KindInvalidSignature, "unsupported auth method kind")
	}
	if m.IssuedAt.IsZero() || m.ExpiresAt.IsZero() || !m.ExpiresAt.After(m.IssuedAt) {
		return "", contracts.NewError(contracts.KindInvalidSignature, "auth method validity window is invalid")
	}
	if !now.Before(m.ExpiresAt) {
		return "", contracts.NewError(contracts.KindExpiredCredential, "auth method expired")
	}
	if m.ExpiresAt.Sub(m.IssuedAt) > MaxValidity {
		return "", contracts.NewError(contracts.KindInvalidSignature, "auth method validity window is too long")
	}
	address, ok := identity.NormalizeAddress(m.SignerAddress)
	if !ok || strings.TrimSpace(m.Nonce) == "" {
		return "", contracts.NewError(contracts.KindInvalidSignature, "auth method is malformed")
	}
	domain := strings.TrimSpace(v.Domain)
	if domain == "" {
		domain = DefaultDomain
	}
	msg := ChallengeMessage(domain, address, m.IssuedAt, m.ExpiresAt, m.Nonce)
	recovered, err := identity.RecoverAddress(msg, m.Signature)
	if err != nil {
		return "", contracts.WrapError(contracts.KindInvalidSignature, "auth signature does not verify", err)
	}
	if recovered != address {
		return "", contracts.NewError(contracts.KindInvalidSignature, "auth signature does not match signer address")
	}
	return address, nil
}
