// Package keytypes implements the signing primitives for the key types a
// vault entry may hold.
package keytypes

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"custody-signer/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/crypto"
)

const secp256k1SecretSize = 32

var (
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrInvalidSecret      = errors.New("secret key material is invalid for key type")
	ErrInvalidPublicKey   = errors.New("public key is invalid for key type")
)

func Validate(kt models.KeyType) error {
	switch kt {
	case models.KeyTypeEd25519, models.KeyTypeSecp256k1:
		return nil
	default:
		return ErrUnsupportedKeyType
	}
}

// ValidatePublicKey checks the encoded length for kt: 32 bytes for ed25519,
// 33 (compressed) for secp256k1.
func ValidatePublicKey(kt models.KeyType, pub []byte) error {
	switch kt {
	case models.KeyTypeEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return ErrInvalidPublicKey
		}
	case models.KeyTypeSecp256k1:
		if _, err := crypto.DecompressPubkey(pub); err != nil {
			return ErrInvalidPublicKey
		}
	default:
		return ErrUnsupportedKeyType
	}
	return nil
}

// PublicKey derives the public key for secret. ed25519 accepts a 32-byte
// seed or a 64-byte private key.
func PublicKey(kt models.KeyType, secret []byte) ([]byte, error) {
	switch kt {
	case models.KeyTypeEd25519:
		priv, err := ed25519Private(secret)
		if err != nil {
			return nil, err
		}
		defer wipe(priv)
		return append([]byte(nil), priv.Public().(ed25519.PublicKey)...), nil
	case models.KeyTypeSecp256k1:
		if len(secret) != secp256k1SecretSize {
			return nil, ErrInvalidSecret
		}
		priv, err := crypto.ToECDSA(secret)
		if err != nil {
			return nil, ErrInvalidSecret
		}
		defer priv.D.SetInt64(0)
		return crypto.CompressPubkey(&priv.PublicKey), nil
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// Sign signs payload: ed25519 over the raw bytes, secp256k1 over
// keccak256(payload) with a 65-byte recoverable signature.
func Sign(kt models.KeyType, secret, payload []byte) ([]byte, error) {
	switch kt {
	case models.KeyTypeEd25519:
		priv, err := ed25519Private(secret)
		if err != nil {
			return nil, err
		}
		defer wipe(priv)
		return ed25519.Sign(priv, payload), nil
	case models.KeyTypeSecp256k1:
		if len(secret) != secp256k1SecretSize {
			return nil, ErrInvalidSecret
		}
		priv, err := crypto.ToECDSA(secret)
		if err != nil {
			return nil, ErrInvalidSecret
		}
		defer priv.D.SetInt64(0)
		return crypto.Sign(crypto.Keccak256(payload), priv)
	default:
		return nil, ErrUnsupportedKeyType
	}
}

func Verify(kt models.KeyType, pub, payload, sig []byte) bool {
	switch kt {
	case models.KeyTypeEd25519:
		return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, payload, sig)
	case models.KeyTypeSecp256k1:
		if len(sig) != crypto.SignatureLength {
			return false
		}
		hash := crypto.Keccak256(payload)
		if !crypto.VerifySignature(pub, hash, sig[:crypto.RecoveryIDOffset]) {
			return false
		}
		recovered, err := crypto.Ecrecover(hash, sig)
		if err != nil {
			return false
		}
		want, err := crypto.DecompressPubkey(pub)
		if err != nil {
			return false
		}
		return bytes.Equal(recovered, crypto.FromECDSAPub(want))
	default:
		return false
	}
}

// Generate creates a fresh key of type kt, returning the secret and its public key.
func Generate(kt models.KeyType) (secret, pub []byte, err error) {
	switch kt {
	case models.KeyTypeEd25519:
		pubKey, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		seed := append([]byte(nil), priv.Seed()...)
		wipe(priv)
		return seed, append([]byte(nil), pubKey...), nil
	case models.KeyTypeSecp256k1:
		priv, err := crypto.GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		defer priv.D.SetInt64(0)
		return crypto.FromECDSA(priv), crypto.CompressPubkey(&priv.PublicKey), nil
	default:
		return nil, nil, ErrUnsupportedKeyType
	}
}

func ed25519Private(secret []byte) (ed25519.PrivateKey, error) {
	switch len(secret) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(secret), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
		if !bytes.Equal(priv[ed25519.SeedSize:], secret[ed25519.SeedSize:]) {
			wipe(priv)
			return nil, ErrInvalidSecret
		}
		return priv, nil
	default:
		return nil, ErrInvalidSecret
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
