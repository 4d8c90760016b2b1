// Package domain holds the error taxonomy shared by the trade lifecycle
// manager and the recovery resolver.
//
// Lower layers (chain client, stores) return raw failures. The caller-facing
// packages translate them into these sentinels so handlers can map them to
// HTTP status codes with errors.Is.
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrAlreadyFinal    = errors.New("trade already final")
	ErrAlreadyExists   = errors.New("trade already exists")
	ErrTransactionFail = errors.New("transaction reverted on-chain")
	ErrNoTradeFound    = errors.New("no trade creation event in transaction")
	ErrExternalService = errors.New("external service error")
)

// FinalError is returned when a transition is attempted on a trade that has
// already left the pending state. Status is the state the trade is in.
type FinalError struct {
	ID     string
	Status string
}

func (e *FinalError) Error() string {
	return fmt.Sprintf("trade %s already %s", e.ID, e.Status)
}

// Is makes errors.Is(err, ErrAlreadyFinal) hold for any *FinalError.
func (e *FinalError) Is(target error) bool {
	return target == ErrAlreadyFinal
}

// Validationf builds an ErrValidation with a field-specific message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// External wraps a transport failure as ErrExternalService. The wrapped
// error text stays in the message for logs; handlers only show the sentinel.
func External(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrExternalService, op, err)
}
