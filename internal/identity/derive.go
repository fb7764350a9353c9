package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoWallet = "custody/identity/wallet/v1"
	// secp256k1 rejects scalars >= N; retry with a counter salt a bounded number of times.
	maxWalletDeriveAttempts = 4
)

func deriveWalletKey(seedBytes []byte) (*ecdsa.PrivateKey, error) {
	var lastErr error
	for attempt := 0; attempt < maxWalletDeriveAttempts; attempt++ {
		scalar, err := hkdfExpand(seedBytes, []byte{byte(attempt)}, hkdfInfoWallet, 32)
		if err != nil {
			return nil, err
		}
		priv, err := crypto.ToECDSA(scalar)
		wipe(scalar)
		if err == nil {
			return priv, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func hkdfExpand(seed, salt []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, salt, []byte(info))
	out := make([]byte, outLen)
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
