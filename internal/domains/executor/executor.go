// Package executor is the signing trust boundary. It is the only component
// that can open a vault envelope, and nothing it returns carries key material.
package executor

import (
	"bytes"
	"context"
	"errors"
	"time"

	"custody-signer/go-backend/internal/crypto"
	"custody-signer/go-backend/internal/domains/accesscontrol"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/domains/registry"
	"custody-signer/go-backend/internal/domains/session"
	"custody-signer/go-backend/internal/domains/vault"
	"custody-signer/go-backend/internal/keytypes"
	"custody-signer/go-backend/internal/netkeys"
	"custody-signer/go-backend/pkg/models"
)

const DefaultMaxPayload = 64 << 10

type State string

const (
	StateRequested        State = "Requested"
	StateConditionChecked State = "ConditionChecked"
	StateDecrypted        State = "Decrypted"
	StateSigned           State = "Signed"
	StateResultReturned   State = "ResultReturned"
	StateFailed           State = "Failed"
)

// Transition is reported to the observer on every state change. Reason is
// set only for StateFailed.
type Transition struct {
	HandleID string
	State    State
	Reason   string
	At       time.Time
}

type Observer func(Transition)

type HandleRedeemer interface {
	Redeem(handleID string) (vault.Redemption, error)
}

type SessionVerifier interface {
	Verify(cred models.SessionCredential) error
}

type IdentitySource interface {
	Get(identityID string) (registry.Record, bool)
}

type Options struct {
	MaxPayload int
	Observer   Observer
	Now        func() time.Time
}

type Executor struct {
	root       *netkeys.Root
	handles    HandleRedeemer
	sessions   SessionVerifier
	identities IdentitySource
	maxPayload int
	observer   Observer
	now        func() time.Time
}

func New(root *netkeys.Root, handles HandleRedeemer, sessions SessionVerifier, identities IdentitySource, opts Options) *Executor {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		root:       root,
		handles:    handles,
		sessions:   sessions,
		identities: identities,
		maxPayload: opts.MaxPayload,
		observer:   opts.Observer,
		now:        opts.Now,
	}
}

// SealingPublicKey is the X25519 key clients seal imports to.
func (e *Executor) SealingPublicKey() ([]byte, error) {
	priv, pub, err := e.root.SealingKeyPair()
	if err != nil {
		return nil, err
	}
	crypto.Wipe(priv)
	return pub, nil
}

// Sign runs one signing request through the state machine. Once the envelope
// is opened the request runs to completion regardless of ctx.
func (e *Executor) Sign(ctx context.Context, req models.SigningRequest) (models.SigningResult, error) {
	run := &signingRun{executor: e, handleID: req.Handle.HandleID}
	run.enter(StateRequested)

	if err := ctx.Err(); err != nil {
		return run.fail(contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err))
	}
	if err := e.sessions.Verify(req.Credential); err != nil {
		return run.fail(err)
	}
	if len(req.Payload) == 0 {
		return run.fail(contracts.NewError(contracts.KindSigningPrimitiveFailure, "payload is empty"))
	}
	if len(req.Payload) > e.maxPayload {
		return run.fail(contracts.NewError(contracts.KindSigningPrimitiveFailure, "payload is too large"))
	}

	redemption, err := e.handles.Redeem(req.Handle.HandleID)
	if err != nil {
		return run.fail(contracts.WrapError(contracts.KindDecryptionFailure, "signing handle rejected", err))
	}
	entry := redemption.Entry
	if entry.EntryID != req.Handle.EntryID || redemption.AssertedAddress != req.Credential.ControllingAddress {
		return run.fail(contracts.NewError(contracts.KindDecryptionFailure, "signing handle does not match request"))
	}
	if !session.Allows(req.Credential, models.ScopeSign, entry.OwnerIdentityID) {
		return run.fail(contracts.NewError(contracts.KindScopeNotPermitted, "session does not grant sign on entry owner"))
	}
	if ok, err := accesscontrol.Evaluate(entry.AccessCondition, req.Credential.ControllingAddress); err != nil || !ok {
		return run.fail(contracts.NewError(contracts.KindDecryptionFailure, "access condition failed at execution"))
	}
	rec, ok := e.identities.Get(entry.OwnerIdentityID)
	if !ok {
		return run.fail(contracts.NewError(contracts.KindDecryptionFailure, "entry owner is unknown"))
	}
	run.enter(StateConditionChecked)

	if err := ctx.Err(); err != nil {
		return run.fail(contracts.WrapError(contracts.KindTransportFailure, "request cancelled", err))
	}
	sig, err := e.decryptAndSign(run, rec, entry, req.Payload)
	if err != nil {
		return run.fail(err)
	}
	run.enter(StateResultReturned)
	return models.SigningResult{Signature: sig}, nil
}

// decryptAndSign is the only place plaintext exists. Errors carry no cause
// from the crypto layer.
func (e *Executor) decryptAndSign(run *signingRun, rec registry.Record, entry models.VaultEntry, payload []byte) ([]byte, error) {
	sealingPriv, _, err := e.root.SealingKeyPair()
	if err != nil {
		return nil, contracts.NewError(contracts.KindDecryptionFailure, "sealing key unavailable")
	}
	plaintext, err := crypto.Open(sealingPriv, vault.BindingFor(rec, entry.KeyType), entry.Ciphertext)
	crypto.Wipe(sealingPriv)
	if err != nil {
		return nil, contracts.NewError(contracts.KindDecryptionFailure, "envelope could not be opened")
	}
	defer crypto.Wipe(plaintext)

	pub, err := keytypes.PublicKey(entry.KeyType, plaintext)
	if err != nil || !bytes.Equal(pub, entry.PublicKey) {
		return nil, contracts.NewError(contracts.KindDecryptionFailure, "key material does not match entry")
	}
	run.enter(StateDecrypted)

	sig, err := keytypes.Sign(entry.KeyType, plaintext, payload)
	if err != nil {
		return nil, contracts.NewError(contracts.KindSigningPrimitiveFailure, "signing failed")
	}
	run.enter(StateSigned)
	return sig, nil
}

type signingRun struct {
	executor *Executor
	handleID string
}

func (r *signingRun) enter(s State) {
	r.notify(Transition{HandleID: r.handleID, State: s})
}

func (r *signingRun) fail(err error) (models.SigningResult, error) {
	reason := string(contracts.KindOf(err))
	var ce *contracts.Error
	if errors.As(err, &ce) && ce.Reason != "" {
		reason = ce.Reason
	}
	r.notify(Transition{HandleID: r.handleID, State: StateFailed, Reason: reason})
	return models.SigningResult{}, err
}

func (r *signingRun) notify(t Transition) {
	if r.executor.observer == nil {
		return
	}
	t.At = r.executor.now().UTC()
	r.executor.observer(t)
}
