// Package accesscontrol evaluates the conditions that gate release of
// secret-derived output. A condition that cannot be validated never evaluates
// to true.
package accesscontrol

import (
	"errors"
	"strings"

	"custody-signer/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

const (
	OperandUserAddress = ":userAddress"
	DefaultChainRef    = "ethereum"
)

var (
	ErrChainRefRequired      = errors.New("access condition chain reference is required")
	ErrUnknownComparator     = errors.New("access condition comparator is not supported")
	ErrExpectedValueRequired = errors.New("access condition expected value is required")
	ErrInvalidExpectedValue  = errors.New("access condition expected value is not an address")
	ErrInvalidCallerAddress  = errors.New("caller address is not valid")
)

// ForAddress builds the condition "caller controls address".
func ForAddress(address string) models.AccessControlCondition {
	return models.AccessControlCondition{
		ChainRef:      DefaultChainRef,
		Comparator:    models.ComparatorEqual,
		ExpectedValue: address,
	}
}

func Validate(c models.AccessControlCondition) error {
	if strings.TrimSpace(c.ChainRef) == "" {
		return ErrChainRefRequired
	}
	switch c.Comparator {
	case models.ComparatorEqual, models.ComparatorNotEqual:
	default:
		return ErrUnknownComparator
	}
	value := strings.TrimSpace(c.ExpectedValue)
	if value == "" {
		return ErrExpectedValueRequired
	}
	if !common.IsHexAddress(value) {
		return ErrInvalidExpectedValue
	}
	return nil
}

// Evaluate reports whether callerAddress satisfies c. Any validation error
// yields false together with the error.
func Evaluate(c models.AccessControlCondition, callerAddress string) (bool, error) {
	if err := Validate(c); err != nil {
		return false, err
	}
	caller := strings.TrimSpace(callerAddress)
	if !common.IsHexAddress(caller) {
		return false, ErrInvalidCallerAddress
	}
	same := common.HexToAddress(caller) == common.HexToAddress(strings.TrimSpace(c.ExpectedValue))
	switch c.Comparator {
	case models.ComparatorEqual:
		return same, nil
	case models.ComparatorNotEqual:
		return !same, nil
	default:
		return false, ErrUnknownComparator
	}
}
