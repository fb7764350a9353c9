package registry

import (
	"errors"
	"strings"

	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/internal/securestore"
)

const (
	persistVersion = 1
	persistPurpose = "registry.identities"
)

type snapshotStore struct {
	path   string
	secret string
}

type persistedRegistry struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Configure enables encrypted persistence at path.
func (r *Registry) Configure(path, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = snapshotStore{path: strings.TrimSpace(path), secret: strings.TrimSpace(secret)}
}

// Bootstrap loads the persisted snapshot, if any.
func (r *Registry) Bootstrap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !securestore.IsStorageConfigured(r.store.path, r.store.secret) {
		return nil
	}
	var payload persistedRegistry
	found, err := securestore.ReadDecryptedJSON(r.store.path, r.store.secret, persistPurpose, &payload)
	if err != nil {
		return err
	}
	if !found {
		return r.persistLocked()
	}
	if payload.Version != persistVersion {
		return errors.New("registry persistence payload is invalid")
	}
	byID := make(map[string]Record, len(payload.Records))
	byAddress := make(map[string][]string)
	for _, rec := range payload.Records {
		id := rec.Identity.IdentityID
		address, ok := identity.NormalizeAddress(rec.Identity.ControllingAddress)
		if id == "" || !ok || len(rec.KeySalt) == 0 {
			return errors.New("registry persistence record is invalid")
		}
		byID[id] = rec
		byAddress[address] = append(byAddress[address], id)
	}
	r.byID = byID
	r.byAddress = byAddress
	return nil
}

func (r *Registry) persistLocked() error {
	if !securestore.IsStorageConfigured(r.store.path, r.store.secret) {
		return nil
	}
	records := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		records = append(records, rec)
	}
	return securestore.WriteEncryptedJSON(r.store.path, r.store.secret, persistPurpose, persistedRegistry{
		Version: persistVersion,
		Records: records,
	})
}
