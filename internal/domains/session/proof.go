package session

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"custody-signer/go-backend/pkg/models"

	"github.com/go-jose/go-jose/v3"
)

const proofType = "custody-session+jws"

var errProofClaims = errors.New("session proof claims are invalid")

type proofClaims struct {
	Type               string           `json:"typ"`
	IdentityID         string           `json:"sub"`
	ControllingAddress string           `json:"ctl"`
	GrantedAbilities   []models.Ability `json:"abl"`
	IssuedAt           time.Time        `json:"iat"`
	ExpiresAt          time.Time        `json:"exp"`
}

func claimsFor(cred models.SessionCredential) proofClaims {
	return proofClaims{
		Type:               proofType,
		IdentityID:         cred.IdentityID,
		ControllingAddress: cred.ControllingAddress,
		GrantedAbilities:   cred.GrantedAbilities,
		IssuedAt:           cred.IssuedAt,
		ExpiresAt:          cred.ExpiresAt,
	}
}

func (c proofClaims) matches(cred models.SessionCredential) bool {
	return c.Type == proofType &&
		c.IdentityID == cred.IdentityID &&
		c.ControllingAddress == cred.ControllingAddress &&
		slices.Equal(c.GrantedAbilities, cred.GrantedAbilities) &&
		c.IssuedAt.Equal(cred.IssuedAt) &&
		c.ExpiresAt.Equal(cred.ExpiresAt)
}

func signProof(priv ed25519.PrivateKey, cred models.SessionCredential) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, nil)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claimsFor(cred))
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

func verifyProof(pub []byte, proof string) (proofClaims, error) {
	if len(pub) != ed25519.PublicKeySize {
		return proofClaims{}, errProofClaims
	}
	obj, err := jose.ParseSigned(proof)
	if err != nil {
		return proofClaims{}, err
	}
	if len(obj.Signatures) != 1 || obj.Signatures[0].Header.Algorithm != string(jose.EdDSA) {
		return proofClaims{}, errProofClaims
	}
	payload, err := obj.Verify(ed25519.PublicKey(pub))
	if err != nil {
		return proofClaims{}, err
	}
	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return proofClaims{}, errProofClaims
	}
	return claims, nil
}
