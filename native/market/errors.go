package market

import (
	"errors"
	"fmt"

	nativecommon "nftmarket/native/common"
)

// Error classes. Every error returned by the ledger matches exactly one of
// these through errors.Is.
var (
	ErrInvalidInput       = errors.New("market: invalid input")
	ErrUnauthorized       = errors.New("market: unauthorized")
	ErrPreconditionFailed = errors.New("market: precondition failed")
	ErrTransferFailed     = errors.New("market: transfer failed")
)

var (
	ErrInvalidAsset          = newLedgerError(ErrInvalidInput, "invalid_asset", "invalid asset contract")
	ErrInvalidPrice          = newLedgerError(ErrInvalidInput, "invalid_price", "price must be positive")
	ErrInsufficientFee       = newLedgerError(ErrInvalidInput, "insufficient_fee", "fee does not match listing fee")
	ErrWrongPayment          = newLedgerError(ErrInvalidInput, "wrong_payment", "payment does not match price")
	ErrInvalidFee            = newLedgerError(ErrInvalidInput, "invalid_fee", "listing fee must be non-negative")
	ErrNotOwnerOrNotApproved = newLedgerError(ErrPreconditionFailed, "not_owner_or_not_approved", "caller does not own the asset or has not approved the ledger")
	ErrListingNotFound       = newLedgerError(ErrPreconditionFailed, "listing_not_found", "listing not found")
	ErrAlreadySold           = newLedgerError(ErrPreconditionFailed, "already_sold", "listing already sold")
	ErrSelfPurchase          = newLedgerError(ErrPreconditionFailed, "self_purchase", "seller cannot purchase own listing")
	ErrReentrantCall         = newLedgerError(ErrPreconditionFailed, "reentrant_call", "operation already in progress")
	ErrUnexpectedReceipt     = newLedgerError(ErrPreconditionFailed, "unexpected_receipt", "unsolicited asset transfer")
)

var (
	errNilState      = errors.New("market engine: state not configured")
	errNilCustodians = errors.New("market engine: custodian directory not configured")
	errNilRail       = errors.New("market engine: payment rail not configured")
)

type ledgerError struct {
	class error
	code  string
	msg   string
}

func newLedgerError(class error, code, msg string) *ledgerError {
	return &ledgerError{class: class, code: code, msg: msg}
}

func (e *ledgerError) Error() string { return "market: " + e.msg }

// Is matches the error's class so callers can test either the specific error
// or its category.
func (e *ledgerError) Is(target error) bool { return target == e.class }

// rejectf attaches detail to a specific ledger error without losing its
// identity.
func rejectf(base *ledgerError, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}

// transferFailed wraps a collaborator failure for the named settlement step.
func transferFailed(step string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransferFailed, step, cause)
}

// Reason maps an error to a short, stable label used for metrics and logs.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrTransferFailed) {
		return "transfer_failed"
	}
	var le *ledgerError
	if errors.As(err, &le) {
		return le.code
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "internal"
	}
}
