package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 2
	saltSize        = 16
	filePrefix      = "CUSTENC2\n"
	kdfName         = "argon2id"
)

var (
	ErrAuthFailed      = errors.New("securestore authentication failed")
	ErrInvalid         = errors.New("securestore envelope is invalid")
	ErrNotEncrypted    = errors.New("securestore data is not an encrypted envelope")
	ErrPurposeMismatch = errors.New("securestore envelope purpose mismatch")
)

// Envelope is a passphrase-sealed blob. Purpose is authenticated as
// associated data so a registry snapshot cannot be replayed as vault state.
type Envelope struct {
	Version     uint32 `json:"version"`
	Purpose     string `json:"purpose"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type kdfParams struct {
	time     uint32
	memoryKB uint32
	threads  uint8
}

var defaultKDF = kdfParams{time: 2, memoryKB: 64 * 1024, threads: 1}

func Encrypt(passphrase, purpose string, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, purpose, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func EncryptEnvelope(passphrase, purpose string, plaintext []byte) (*Envelope, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return nil, ErrInvalid
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	params := defaultKDF
	key := deriveKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:     envelopeVersion,
		Purpose:     purpose,
		KDF:         kdfName,
		KDFTime:     params.time,
		KDFMemoryKB: params.memoryKB,
		KDFThreads:  params.threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(purpose)),
	}, nil
}

func Decrypt(passphrase, purpose string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrNotEncrypted
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, purpose, &env)
}

func DecryptEnvelope(passphrase, purpose string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, ErrInvalid
	}
	if env.Purpose != strings.TrimSpace(purpose) {
		return nil, ErrPurposeMismatch
	}
	if env.KDFTime == 0 || env.KDFMemoryKB == 0 || env.KDFThreads == 0 || len(env.Salt) != saltSize {
		return nil, ErrInvalid
	}
	key := deriveKey(passphrase, env.Salt, kdfParams{time: env.KDFTime, memoryKB: env.KDFMemoryKB, threads: env.KDFThreads})
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrInvalid
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.Purpose))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, p kdfParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.time, p.memoryKB, p.threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
