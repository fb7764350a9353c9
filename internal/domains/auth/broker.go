// Package auth turns a wallet keypair into a short-lived, verifiable
// proof of control (an AuthMethod). Nothing here touches the network.
package auth

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/pkg/models"

	"github.com/mr-tron/base58"
)

const (
	DefaultDomain   = "custody-signer"
	DefaultValidity = 10 * time.Minute
	MaxValidity     = 24 * time.Hour
	nonceBytes      = 16
)

// Signer is the part of a wallet keypair the broker needs.
type Signer interface {
	Address() string
	SignMessage(msg []byte) ([]byte, error)
}

type Broker struct {
	Domain string
	Now    func() time.Time
}

func NewBroker() *Broker {
	return &Broker{Domain: DefaultDomain, Now: time.Now}
}

// Authenticate signs a challenge binding the signer's address to a validity
// window. A non-positive window uses DefaultValidity; larger ones are clamped.
func (b *Broker) Authenticate(signer Signer, validity time.Duration) (models.AuthMethod, error) {
	if signer == nil {
		return models.AuthMethod{}, contracts.NewError(contracts.KindSigningFailure, "keypair unavailable")
	}
	address, ok := identity.NormalizeAddress(signer.Address())
	if !ok {
		return models.AuthMethod{}, contracts.NewError(contracts.KindSigningFailure, "keypair unavailable")
	}
	validity = clampValidity(validity)
	issuedAt := b.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(validity)
	nonce, err := newNonce()
	if err != nil {
		return models.AuthMethod{}, contracts.WrapError(contracts.KindSigningFailure, "nonce generation failed", err)
	}
	msg := ChallengeMessage(b.domain(), address, issuedAt, expiresAt, nonce)
	sig, err := signer.SignMessage(msg)
	if err != nil {
		return models.AuthMethod{}, contracts.WrapError(contracts.KindSigningFailure, "keypair unavailable", err)
	}
	return models.AuthMethod{
		Kind:          models.AuthMethodKindEthWallet,
		SignerAddress: address,
		Signature:     sig,
		IssuedAt:      issuedAt,
		ExpiresAt:     expiresAt,
		Nonce:         nonce,
	}, nil
}

func (b *Broker) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Broker) domain() string {
	if d := strings.TrimSpace(b.Domain); d != "" {
		return d
	}
	return DefaultDomain
}

func clampValidity(v time.Duration) time.Duration {
	if v <= 0 {
		return DefaultValidity
	}
	if v > MaxValidity {
		return MaxValidity
	}
	return v
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

// ChallengeMessage is the canonical text signed by the wallet.
func ChallengeMessage(domain, address string, issuedAt, expiresAt time.Time, nonce string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", domain)
	fmt.Fprintf(&b, "%s\n\n", address)
	b.WriteString("Authorize delegated custody operations.\n\n")
	fmt.Fprintf(&b, "URI: custody://%s\n", domain)
	b.WriteString("Version: 1\n")
	fmt.Fprintf(&b, "Nonce: %s\n", nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", issuedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Expiration Time: %s", expiresAt.UTC().Format(time.RFC3339Nano))
	return []byte(b.String())
}
