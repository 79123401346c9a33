package model

import (
	"errors"

	"github.com/and161185/iap-keeper/internal/errs"
)

// Advice tells the UI which follow-up to offer for a failed purchase.
type Advice string

const (
	AdviceNone             Advice = "none"
	AdviceTryAgain         Advice = "try_again"
	AdviceContactSupport   Advice = "contact_support"
	AdviceRestorePurchases Advice = "restore_purchases"
)

// PurchaseResult is the structured outcome of a purchase or restore.
// Failures are reported here, never as a Go error from the engine.
type PurchaseResult struct {
	Success             bool
	ProductID           string
	TransactionID       string
	ReceiptValidated    bool
	ValidationAttempts  int
	RequiresManualCheck bool
	Canceled            bool
	Err                 error
}

// Error returns the failure message or "" on success.
func (r PurchaseResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Advice classifies the failure for messaging.
func (r PurchaseResult) Advice() Advice {
	if r.Success {
		return AdviceNone
	}
	switch {
	case r.Canceled, errors.Is(r.Err, errs.ErrUserCanceled):
		return AdviceNone
	case r.RequiresManualCheck,
		errors.Is(r.Err, errs.ErrPurchaseTimeout),
		errors.Is(r.Err, errs.ErrReceiptUnobtainable),
		errors.Is(r.Err, errs.ErrPartialPersistence):
		return AdviceRestorePurchases
	case errors.Is(r.Err, errs.ErrValidationRejected),
		errors.Is(r.Err, errs.ErrAlreadyExists):
		return AdviceContactSupport
	default:
		return AdviceTryAgain
	}
}
