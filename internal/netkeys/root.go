// Package netkeys holds the trust network's root secret and derives the
// per-identity signing keys and the network sealing key pair from it.
// Nothing outside the server composition should hold a *Root.
package netkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"custody-signer/go-backend/internal/securestore"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	RootSecretSize = 32

	hkdfInfoIdentity = "custody/netkeys/identity/v1"
	hkdfInfoSealing  = "custody/netkeys/sealing/v1"
	storePurpose     = "netkeys.root"
)

var (
	ErrRootSecretTooShort = errors.New("network root secret must be at least 32 bytes")
	ErrSaltRequired       = errors.New("identity key salt is required")
)

type Root struct {
	secret []byte
}

func NewRoot(secret []byte) (*Root, error) {
	if len(secret) < RootSecretSize {
		return nil, ErrRootSecretTooShort
	}
	return &Root{secret: append([]byte(nil), secret...)}, nil
}

func ParseHexRoot(raw string) (*Root, error) {
	secret, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return NewRoot(secret)
}

func GenerateRoot() (*Root, error) {
	secret := make([]byte, RootSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &Root{secret: secret}, nil
}

type persistedRoot struct {
	Secret []byte `json:"secret"`
}

// LoadOrCreate reads the encrypted root secret at path, generating and
// persisting a new one when the file does not exist yet.
func LoadOrCreate(path, storageSecret string) (*Root, bool, error) {
	var stored persistedRoot
	found, err := securestore.ReadDecryptedJSON(path, storageSecret, storePurpose, &stored)
	if err != nil {
		return nil, false, err
	}
	if found {
		root, err := NewRoot(stored.Secret)
		wipe(stored.Secret)
		return root, false, err
	}
	root, err := GenerateRoot()
	if err != nil {
		return nil, false, err
	}
	if err := securestore.WriteEncryptedJSON(path, storageSecret, storePurpose, persistedRoot{Secret: root.secret}); err != nil {
		return nil, false, err
	}
	return root, true, nil
}

// IdentityKey derives the ed25519 key of the delegated identity minted with salt.
// The caller must wipe the returned key when done.
func (r *Root) IdentityKey(salt []byte) (ed25519.PrivateKey, error) {
	if len(salt) == 0 {
		return nil, ErrSaltRequired
	}
	seed, err := r.expand(salt, hkdfInfoIdentity, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer wipe(seed)
	return ed25519.NewKeyFromSeed(seed), nil
}

func (r *Root) IdentityPublicKey(salt []byte) (ed25519.PublicKey, error) {
	priv, err := r.IdentityKey(salt)
	if err != nil {
		return nil, err
	}
	defer wipe(priv)
	return append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...), nil
}

// SealingKeyPair derives the network's X25519 sealing key pair.
func (r *Root) SealingKeyPair() (priv, pub []byte, err error) {
	priv, err = r.expand(nil, hkdfInfoSealing, curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		wipe(priv)
		return nil, nil, err
	}
	return priv, pub, nil
}

func (r *Root) expand(salt []byte, info string, n int) ([]byte, error) {
	reader := hkdf.New(sha256.New, r.secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
