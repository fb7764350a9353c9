package vault

import (
	"errors"
	"strings"

	"custody-signer/go-backend/internal/securestore"
	"custody-signer/go-backend/pkg/models"
)

const (
	persistVersion = 1
	persistPurpose = "vault.entries"
)

type snapshotStore struct {
	path   string
	secret string
}

type persistedVault struct {
	Version int                 `json:"version"`
	Entries []models.VaultEntry `json:"entries"`
}

func (v *Vault) Configure(path, secret string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store = snapshotStore{path: strings.TrimSpace(path), secret: strings.TrimSpace(secret)}
}

// Bootstrap restores entries from disk. Handles are never persisted.
func (v *Vault) Bootstrap() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !securestore.IsStorageConfigured(v.store.path, v.store.secret) {
		return nil
	}
	var payload persistedVault
	found, err := securestore.ReadDecryptedJSON(v.store.path, v.store.secret, persistPurpose, &payload)
	if err != nil {
		return err
	}
	if !found {
		return v.persistLocked()
	}
	if payload.Version != persistVersion {
		return errors.New("vault persistence payload is invalid")
	}
	entries := make(map[string]models.VaultEntry, len(payload.Entries))
	byRequest := make(map[string]string)
	for _, e := range payload.Entries {
		if e.EntryID == "" || e.OwnerIdentityID == "" || e.Ciphertext.Empty() {
			return errors.New("vault persistence entry is invalid")
		}
		entries[e.EntryID] = e
		if e.ImportRequestID != "" {
			byRequest[requestKey(e.OwnerIdentityID, e.ImportRequestID)] = e.EntryID
		}
	}
	v.entries = entries
	v.byRequest = byRequest
	return nil
}

func (v *Vault) persistLocked() error {
	if !securestore.IsStorageConfigured(v.store.path, v.store.secret) {
		return nil
	}
	entries := make([]models.VaultEntry, 0, len(v.entries))
	for _, e := range v.entries {
		entries = append(entries, e)
	}
	return securestore.WriteEncryptedJSON(v.store.path, v.store.secret, persistPurpose, persistedVault{
		Version: persistVersion,
		Entries: entries,
	})
}
