// Package crypto seals imported key material to the trust network's X25519
// sealing key. Only the holder of the sealing private key can open an
// envelope, and an envelope only opens for the identity it was bound to.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"custody-signer/go-backend/pkg/models"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	SealVersion   = 1
	sealInfoLabel = "custody/seal/v1"
)

var (
	ErrInvalidRecipientKey = errors.New("invalid sealing key")
	ErrInvalidBinding      = errors.New("invalid envelope binding")
	ErrInvalidEnvelope     = errors.New("invalid sealed envelope")
	ErrOpenFailed          = errors.New("sealed envelope could not be opened")
)

// Binding ties an envelope to the identity and key type it was imported under.
type Binding struct {
	IdentityID        string
	IdentityPublicKey []byte
	KeyType           models.KeyType
}

// IdentityBinding is the binding for a key of keyType imported under ident.
func IdentityBinding(ident models.DelegatedIdentity, keyType models.KeyType) Binding {
	return Binding{
		IdentityID:        ident.IdentityID,
		IdentityPublicKey: ident.PublicKey,
		KeyType:           keyType,
	}
}

func (b Binding) validate() error {
	if strings.TrimSpace(b.IdentityID) == "" || len(b.IdentityPublicKey) == 0 || b.KeyType == "" {
		return ErrInvalidBinding
	}
	return nil
}

func (b Binding) aad() []byte {
	return []byte(sealInfoLabel + "|" + b.IdentityID + "|" + string(b.KeyType) + "|" + hex.EncodeToString(b.IdentityPublicKey))
}

// GenerateSealingKeyPair returns a random X25519 key pair.
func GenerateSealingKeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// Seal encrypts plaintext to recipientPub. The caller keeps ownership of
// plaintext and is responsible for wiping it.
func Seal(recipientPub []byte, binding Binding, plaintext []byte) (models.SealedEnvelope, error) {
	if len(recipientPub) != curve25519.PointSize {
		return models.SealedEnvelope{}, ErrInvalidRecipientKey
	}
	if err := binding.validate(); err != nil {
		return models.SealedEnvelope{}, err
	}
	ephPriv, ephPub, err := GenerateSealingKeyPair()
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	defer wipe(ephPriv)
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return models.SealedEnvelope{}, ErrInvalidRecipientKey
	}
	defer wipe(shared)
	key, err := deriveSealKey(shared, ephPub, recipientPub, binding)
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return models.SealedEnvelope{}, err
	}
	return models.SealedEnvelope{
		Version:            SealVersion,
		EphemeralPublicKey: ephPub,
		Nonce:              nonce,
		Ciphertext:         aead.Seal(nil, nonce, plaintext, binding.aad()),
	}, nil
}

// Open decrypts env with the recipient's private key. Every failure after
// structural validation collapses to ErrOpenFailed.
func Open(recipientPriv []byte, binding Binding, env models.SealedEnvelope) ([]byte, error) {
	if len(recipientPriv) != curve25519.ScalarSize {
		return nil, ErrInvalidRecipientKey
	}
	if err := binding.validate(); err != nil {
		return nil, err
	}
	if env.Version != SealVersion || len(env.EphemeralPublicKey) != curve25519.PointSize ||
		len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.Ciphertext) < chacha20poly1305.Overhead {
		return nil, ErrInvalidEnvelope
	}
	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidRecipientKey
	}
	shared, err := curve25519.X25519(recipientPriv, env.EphemeralPublicKey)
	if err != nil {
		return nil, ErrOpenFailed
	}
	defer wipe(shared)
	key, err := deriveSealKey(shared, env.EphemeralPublicKey, recipientPub, binding)
	if err != nil {
		return nil, ErrOpenFailed
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrOpenFailed
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, binding.aad())
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// deriveSealKey salts HKDF with the identity public key so each identity
// gets its own key schedule even for the same ephemeral exchange.
func deriveSealKey(shared, ephPub, recipientPub []byte, binding Binding) ([]byte, error) {
	salt := sha256.Sum256(binding.IdentityPublicKey)
	info := make([]byte, 0, len(sealInfoLabel)+len(binding.IdentityID)+2*curve25519.PointSize+16)
	info = append(info, sealInfoLabel...)
	info = append(info, '|')
	info = append(info, binding.IdentityID...)
	info = append(info, '|')
	info = append(info, string(binding.KeyType)...)
	info = append(info, ephPub...)
	info = append(info, recipientPub...)
	reader := hkdf.New(sha256.New, shared, salt[:], info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	wipe(b)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
