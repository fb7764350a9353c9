package models

import (
	"slices"
	"time"
)

const AuthMethodKindEthWallet = "eth-wallet"

// AnyResource grants an ability on every identity the credential controls.
const AnyResource = "*"

type Scope string

const (
	ScopeSign   Scope = "sign"
	ScopeImport Scope = "import"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeSign, ScopeImport:
		return true
	default:
		return false
	}
}

type KeyType string

const (
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeSecp256k1 KeyType = "secp256k1"
)

type Comparator string

const (
	ComparatorEqual    Comparator = "eq"
	ComparatorNotEqual Comparator = "neq"
)

type AuthMethod struct {
	Kind          string    `json:"kind"`
	SignerAddress string    `json:"signer_address"`
	Signature     []byte    `json:"signature"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Nonce         string    `json:"nonce"`
}

type DelegatedIdentity struct {
	IdentityID         string    `json:"identity_id"`
	PublicKey          []byte    `json:"public_key"`
	ControllingAddress string    `json:"controlling_address"`
	PermittedScopes    []Scope   `json:"permitted_scopes"`
	MintedAt           time.Time `json:"minted_at"`
}

func (d DelegatedIdentity) Permits(scope Scope) bool {
	return slices.Contains(d.PermittedScopes, scope)
}

type Ability struct {
	Resource string `json:"resource"`
	Ability  Scope  `json:"ability"`
}

type SessionCredential struct {
	IdentityID         string    `json:"identity_id"`
	ControllingAddress string    `json:"controlling_address"`
	GrantedAbilities   []Ability `json:"granted_abilities"`
	IssuedAt           time.Time `json:"issued_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	Proof              string    `json:"proof"`
}

// AccessControlCondition compares the caller's asserted controlling address
// (operand ":userAddress") against ExpectedValue.
type AccessControlCondition struct {
	ChainRef      string     `json:"chain_ref"`
	Comparator    Comparator `json:"comparator"`
	ExpectedValue string     `json:"expected_value"`
}

// SealedEnvelope is secret material encrypted to the trust network's sealing key.
type SealedEnvelope struct {
	Version            uint32 `json:"version"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	Nonce              []byte `json:"nonce"`
	Ciphertext         []byte `json:"ciphertext"`
}

func (e SealedEnvelope) Empty() bool {
	return len(e.EphemeralPublicKey) == 0 || len(e.Nonce) == 0 || len(e.Ciphertext) == 0
}

type VaultEntry struct {
	EntryID         string                 `json:"entry_id"`
	OwnerIdentityID string                 `json:"owner_identity_id"`
	KeyType         KeyType                `json:"key_type"`
	PublicKey       []byte                 `json:"public_key"`
	Ciphertext      SealedEnvelope         `json:"ciphertext"`
	AccessCondition AccessControlCondition `json:"access_condition"`
	ImportRequestID string                 `json:"import_request_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// EntrySummary is the client-visible view of a vault entry.
type EntrySummary struct {
	EntryID         string                 `json:"entry_id"`
	OwnerIdentityID string                 `json:"owner_identity_id"`
	KeyType         KeyType                `json:"key_type"`
	PublicKey       []byte                 `json:"public_key"`
	AccessCondition AccessControlCondition `json:"access_condition"`
	ImportRequestID string                 `json:"import_request_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

func (e VaultEntry) Summary() EntrySummary {
	return EntrySummary{
		EntryID:         e.EntryID,
		OwnerIdentityID: e.OwnerIdentityID,
		KeyType:         e.KeyType,
		PublicKey:       slices.Clone(e.PublicKey),
		AccessCondition: e.AccessCondition,
		ImportRequestID: e.ImportRequestID,
		CreatedAt:       e.CreatedAt,
	}
}

// SealedImport carries a key that the client sealed locally; only ciphertext
// crosses the transport.
type SealedImport struct {
	RequestID       string                 `json:"request_id"`
	KeyType         KeyType                `json:"key_type"`
	PublicKey       []byte                 `json:"public_key"`
	Sealed          SealedEnvelope         `json:"sealed"`
	AccessCondition AccessControlCondition `json:"access_condition"`
}

// SigningHandle is an opaque single-use capability to request one signature.
type SigningHandle struct {
	HandleID  string    `json:"handle_id"`
	EntryID   string    `json:"entry_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SigningRequest struct {
	Handle     SigningHandle     `json:"handle"`
	Credential SessionCredential `json:"session_credential"`
	Payload    []byte            `json:"payload"`
}

type SigningResult struct {
	Signature []byte `json:"signature"`
}

type SealingKeyInfo struct {
	PublicKey []byte `json:"public_key"`
	Version   uint32 `json:"version"`
}
