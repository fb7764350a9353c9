package contracts

import (
	"errors"
	"strings"
)

type Kind string

const (
	KindExpiredCredential       Kind = "ExpiredCredential"
	KindInvalidSignature        Kind = "InvalidSignature"
	KindScopeNotPermitted       Kind = "ScopeNotPermitted"
	KindAccessConditionNotMet   Kind = "AccessConditionNotMet"
	KindUnauthorizedImport      Kind = "UnauthorizedImport"
	KindDecryptionFailure       Kind = "DecryptionFailure"
	KindSigningPrimitiveFailure Kind = "SigningPrimitiveFailure"
	KindSigningFailure          Kind = "SigningFailure"
	KindTransportFailure        Kind = "TransportFailure"
	KindInvalidRequest          Kind = "InvalidRequest"
	KindNotFound                Kind = "NotFound"
	KindInternal                Kind = "Internal"
)

var knownKinds = []Kind{
	KindExpiredCredential,
	KindInvalidSignature,
	KindScopeNotPermitted,
	KindAccessConditionNotMet,
	KindUnauthorizedImport,
	KindDecryptionFailure,
	KindSigningPrimitiveFailure,
	KindSigningFailure,
	KindTransportFailure,
	KindInvalidRequest,
	KindNotFound,
	KindInternal,
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrExpiredCredential       = &Error{Kind: KindExpiredCredential}
	ErrInvalidSignature        = &Error{Kind: KindInvalidSignature}
	ErrScopeNotPermitted       = &Error{Kind: KindScopeNotPermitted}
	ErrAccessConditionNotMet   = &Error{Kind: KindAccessConditionNotMet}
	ErrUnauthorizedImport      = &Error{Kind: KindUnauthorizedImport}
	ErrDecryptionFailure       = &Error{Kind: KindDecryptionFailure}
	ErrSigningPrimitiveFailure = &Error{Kind: KindSigningPrimitiveFailure}
	ErrSigningFailure          = &Error{Kind: KindSigningFailure}
	ErrTransportFailure        = &Error{Kind: KindTransportFailure}
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest}
	ErrNotFound                = &Error{Kind: KindNotFound}
)

// Error is the custody error taxonomy. The message is built from Kind and
// Reason only: a wrapped cause never reaches Error() because crypto libraries
// may echo input bytes.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func NewError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: strings.TrimSpace(reason)}
}

func WrapError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: strings.TrimSpace(reason), Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Reason != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// KindOf reports the taxonomy kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) && typed != nil {
		return typed.Kind
	}
	return KindInternal
}

func ParseKind(raw string) (Kind, bool) {
	for _, k := range knownKinds {
		if string(k) == raw {
			return k, true
		}
	}
	return "", false
}

// Retryable reports whether a caller may repeat the call unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryCrypto  = "crypto"
	ErrorCategoryStorage = "storage"
	ErrorCategoryNetwork = "network"
)

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryCrypto:
		return ErrorCategoryCrypto
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	default:
		return ErrorCategoryAPI
	}
}

// CategorizedError tags an error with the subsystem it originated in.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

// ErrorCategory prefers an explicit category, then derives one from the kind.
func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	switch KindOf(err) {
	case KindInvalidSignature, KindDecryptionFailure, KindSigningPrimitiveFailure, KindSigningFailure:
		return ErrorCategoryCrypto
	case KindTransportFailure:
		return ErrorCategoryNetwork
	default:
		return ErrorCategoryAPI
	}
}
