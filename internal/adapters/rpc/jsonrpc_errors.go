package rpc

import (
	"errors"

	"custody-signer/go-backend/internal/domains/contracts"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeExpiredCredential       = -32010
	codeInvalidSignature        = -32011
	codeScopeNotPermitted       = -32012
	codeAccessConditionNotMet   = -32013
	codeUnauthorizedImport      = -32014
	codeDecryptionFailure       = -32015
	codeSigningPrimitiveFailure = -32016
	codeTransportFailure        = -32017
	codeNotFound                = -32018

	codeVersionUnsupported = -32080
	codeVersionDeprecated  = -32081
	codeIdempotencyReuse   = -32082
	codeServiceUnavailable = -32099
)

var errInvalidParams = errors.New("invalid params")

var kindCodes = map[contracts.Kind]int{
	contracts.KindExpiredCredential:       codeExpiredCredential,
	contracts.KindInvalidSignature:        codeInvalidSignature,
	contracts.KindScopeNotPermitted:       codeScopeNotPermitted,
	contracts.KindAccessConditionNotMet:   codeAccessConditionNotMet,
	contracts.KindUnauthorizedImport:      codeUnauthorizedImport,
	contracts.KindDecryptionFailure:       codeDecryptionFailure,
	contracts.KindSigningPrimitiveFailure: codeSigningPrimitiveFailure,
	contracts.KindTransportFailure:        codeTransportFailure,
	contracts.KindNotFound:                codeNotFound,
	contracts.KindInvalidRequest:          codeInvalidParams,
}

func rpcInvalidParams() *rpcError {
	return &rpcError{
		Code:    codeInvalidParams,
		Message: "invalid params",
		Data:    &rpcErrorData{Kind: string(contracts.KindInvalidRequest)},
	}
}

// rpcServiceError maps a service error onto the wire. Only taxonomy errors
// keep their message; anything else is reported as an internal error so
// foreign error text never reaches a client.
func rpcServiceError(err error) *rpcError {
	var typed *contracts.Error
	if !errors.As(err, &typed) || typed == nil {
		return &rpcError{Code: codeInternal, Message: "internal error", Data: &rpcErrorData{Kind: string(contracts.KindInternal)}}
	}
	code, ok := kindCodes[typed.Kind]
	if !ok {
		code = codeInternal
	}
	return &rpcError{Code: code, Message: typed.Error(), Data: &rpcErrorData{Kind: string(typed.Kind)}}
}

// errorFromRPC rebuilds a taxonomy error from a wire error on the client side.
func errorFromRPC(e *rpcError) error {
	if e == nil {
		return nil
	}
	if e.Data != nil {
		if kind, ok := contracts.ParseKind(e.Data.Kind); ok {
			return contracts.NewError(kind, trimKindPrefix(kind, e.Message))
		}
	}
	for kind, code := range kindCodes {
		if code == e.Code && kind != contracts.KindInvalidRequest {
			return contracts.NewError(kind, trimKindPrefix(kind, e.Message))
		}
	}
	switch e.Code {
	case codeInvalidParams, codeInvalidRequest, codeMethodNotFound, codeVersionUnsupported, codeVersionDeprecated, codeIdempotencyReuse:
		return contracts.NewError(contracts.KindInvalidRequest, e.Message)
	case codeServiceUnavailable:
		return contracts.NewError(contracts.KindTransportFailure, e.Message)
	default:
		return contracts.NewError(contracts.KindInternal, e.Message)
	}
}

func trimKindPrefix(kind contracts.Kind, msg string) string {
	prefix := string(kind) + ": "
	if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	if msg == string(kind) {
		return ""
	}
	return msg
}
