package identity

import (
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrMnemonicRequired   = errors.New("mnemonic is required")
	ErrKeypairUnavailable = errors.New("keypair is not available")
	ErrInvalidSignature   = errors.New("invalid signature")
)

// Keypair is a wallet key. The private scalar never leaves this package.
type Keypair struct {
	mu      sync.RWMutex
	priv    *ecdsa.PrivateKey
	address common.Address
}

// Create generates a fresh 24-word mnemonic and the keypair derived from it.
func Create() (*Keypair, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	wipe(entropy)
	if err != nil {
		return nil, "", err
	}
	kp, err := FromMnemonic(mnemonic)
	if err != nil {
		return nil, "", err
	}
	return kp, mnemonic, nil
}

func FromMnemonic(mnemonic string) (*Keypair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer wipe(seed)
	priv, err := deriveWalletKey(seed)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv), nil
}

func FromPrivateKey(priv *ecdsa.PrivateKey) *Keypair {
	return &Keypair{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}
}

// Address is the EIP-55 checksummed wallet address.
func (k *Keypair) Address() string {
	if k == nil {
		return ""
	}
	return k.address.Hex()
}

// PublicKey returns the 33-byte compressed secp256k1 public key.
func (k *Keypair) PublicKey() []byte {
	if k == nil {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil
	}
	return crypto.CompressPubkey(&k.priv.PublicKey)
}

// SignMessage produces an EIP-191 personal-sign signature with V in {27, 28}.
func (k *Keypair) SignMessage(msg []byte) ([]byte, error) {
	if k == nil {
		return nil, ErrKeypairUnavailable
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, ErrKeypairUnavailable
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), k.priv)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Destroy zeroes the private scalar. Later signing attempts fail.
func (k *Keypair) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return
	}
	k.priv.D.SetInt64(0)
	k.priv = nil
}

// RecoverAddress returns the checksummed address that produced an EIP-191 signature.
func RecoverAddress(msg, sig []byte) (string, error) {
	if len(sig) != crypto.SignatureLength {
		return "", ErrInvalidSignature
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return "", ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return "", ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// NormalizeAddress validates a hex address and returns its checksummed form.
func NormalizeAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", false
	}
	return common.HexToAddress(raw).Hex(), true
}

func SameAddress(a, b string) bool {
	na, okA := NormalizeAddress(a)
	nb, okB := NormalizeAddress(b)
	return okA && okB && na == nb
}
