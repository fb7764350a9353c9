package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"custody-signer/go-backend/pkg/models"
)

const (
	methodAuthLookup        = "auth.lookup"
	methodRegistryMint      = "registry.mint"
	methodRegistryLookup    = "registry.lookup"
	methodSessionIssue      = "session.issue"
	methodVaultImport       = "vault.import"
	methodVaultLookupImport = "vault.lookup_import"
	methodVaultFetch        = "vault.fetch_for_signing"
	methodExecutorSign      = "executor.sign"
	methodExecutorSealing   = "executor.sealing_key"
	methodSystemVersion     = "system.version"
	methodHealthCheck       = "health_check"
)

type authParams struct {
	AuthMethod models.AuthMethod `json:"auth_method"`
}

type mintParams struct {
	AuthMethod models.AuthMethod `json:"auth_method"`
	Scopes     []models.Scope    `json:"scopes" validate:"max=8"`
}

type sessionParams struct {
	IdentityID string            `json:"identity_id" validate:"required,startswith=dlg1,max=128"`
	AuthMethod models.AuthMethod `json:"auth_method"`
	Abilities  []models.Ability  `json:"abilities" validate:"max=16"`
	TTLSeconds int64             `json:"ttl_seconds" validate:"gte=0,lte=86400"`
}

type importParams struct {
	Credential models.SessionCredential `json:"session_credential"`
	Import     models.SealedImport      `json:"import"`
	RequestID  string                   `json:"-" validate:"omitempty,max=128"`
}

type lookupImportParams struct {
	Credential models.SessionCredential `json:"session_credential"`
	RequestID  string                   `json:"request_id" validate:"required,max=128"`
}

type fetchParams struct {
	EntryID    string                   `json:"entry_id" validate:"required,startswith=ent_,max=64"`
	Credential models.SessionCredential `json:"session_credential"`
}

type signParams struct {
	models.SigningRequest
	HandleID string `json:"-" validate:"required,startswith=hdl_,max=64"`
}

// LookupImportResult is the result of vault.lookup_import.
type LookupImportResult struct {
	Found bool                `json:"found"`
	Entry models.EntrySummary `json:"entry"`
}

func (s *Server) dispatchRPC(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case methodHealthCheck:
		return map[string]string{"status": "ok"}, nil
	case methodSystemVersion:
		return s.rpcVersionInfo(), nil
	case methodAuthLookup:
		var p authParams
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, rpcInvalidParams()
		}
		return s.serviceResult(s.service.VerifyAuth(ctx, p.AuthMethod))
	case methodRegistryMint:
		var p mintParams
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, rpcInvalidParams()
		}
		return s.serviceResult(s.service.Mint(ctx, p.AuthMethod, p.Scopes))
	case methodRegistryLookup:
		var p authParams
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, rpcInvalidParams()
		}
		return s.serviceResult(s.service.LookupIdentities(ctx, p.AuthMethod))
	case methodSessionIssue:
		var p sessionParams
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, rpcInvalidParams()
		}
		ttl := time.Duration(p.TTLSeconds) * time.Second
		return s.serviceResult(s.service.IssueSession(ctx, p.IdentityID, p.AuthMethod, p.Abilities, ttl))
	case methodVaultImport:
		var p importParams
		if err := s.decodeParams(raw, &p, func() { p.RequestID = p.Import.RequestID }); err != nil {
			return nil, rpcInvalidParams()
		}
		return s.serviceResult(s.service.ImportSealed(ctx, p.Credential, p.Import))
	case methodVaultLookupImport:
		var p lookupImportParams
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, rpcInvalidParams()
		}
		entry, found, err := s.service.LookupImport(ctx, p.Credential, p.RequestID)
		return s.serviceResult(LookupImportResult{Found: found, Entry: entry}, err)
	case methodVaultFetch:
		var p fetchParams
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, rpcInvalidParams()
		}
		return s.serviceResult(s.service.FetchForSigning(ctx, p.EntryID, p.Credential))
	case methodExecutorSign:
		var p signParams
		if err := s.decodeParams(raw, &p, func() { p.HandleID = p.Handle.HandleID }); err != nil {
			return nil, rpcInvalidParams()
		}
		return s.serviceResult(s.service.Sign(ctx, p.SigningRequest))
	case methodExecutorSealing:
		return s.serviceResult(s.service.SealingKey(ctx))
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
}

// decodeParams accepts either a params object or a one-element array holding
// it, rejects unknown fields and runs struct validation. prepare runs between
// decoding and validation to copy nested values into validated fields.
func (s *Server) decodeParams(raw json.RawMessage, out any, prepare ...func()) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errInvalidParams
	}
	if raw[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 1 {
			return errInvalidParams
		}
		raw = arr[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errInvalidParams
	}
	for _, fn := range prepare {
		fn()
	}
	if err := s.validate.Struct(out); err != nil {
		return errInvalidParams
	}
	return nil
}

func (s *Server) serviceResult(result any, err error) (any, *rpcError) {
	if err != nil {
		return nil, rpcServiceError(err)
	}
	return result, nil
}
