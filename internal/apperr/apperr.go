// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error by how a caller should react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPrecondition
	KindNotFound
	KindConflict
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition_failed"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Error is a contract error of the circulation core.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.CorrelationID != "" {
		msg = fmt.Sprintf("%s (correlation id %s)", msg, e.CorrelationID)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so that a sentinel matches every error derived from it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of e wrapping cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// Validation errors.
var (
	ErrInvalidInput  = New(KindValidation, "invalid_input", "invalid input")
	ErrInvalidAmount = New(KindValidation, "invalid_amount", "invalid amount")
)

// Not found errors.
var (
	ErrNotFound       = New(KindNotFound, "not_found", "not found")
	ErrItemNotFound   = New(KindNotFound, "item_not_found", "item not found")
	ErrPatronNotFound = New(KindNotFound, "patron_not_found", "patron not found")
	ErrLoanNotFound   = New(KindNotFound, "loan_not_found", "loan not found")
	ErrFeeNotFound    = New(KindNotFound, "fee_not_found", "fee not found")
	ErrNoOpenLoan     = New(KindNotFound, "no_open_loan", "no open loan for item")
)

// Precondition errors.
var (
	ErrItemUnavailable      = New(KindPrecondition, "item_unavailable", "item is not available")
	ErrPatronBlocked        = New(KindPrecondition, "patron_blocked", "patron is blocked from borrowing")
	ErrNotRenewable         = New(KindPrecondition, "not_renewable", "loan is not renewable")
	ErrPolicyForbidsRenewal = New(KindPrecondition, "policy_forbids_renewal", "loan policy forbids renewal")
	ErrMaxRenewalsReached   = New(KindPrecondition, "max_renewals_reached", "max renewals reached")
	ErrBlockedByRecall      = New(KindPrecondition, "blocked_by_recall", "renewal blocked by an open recall")
	ErrDuplicateHold        = New(KindPrecondition, "duplicate_hold", "patron already has an open request on this item")
	ErrItemNotHoldable      = New(KindPrecondition, "item_not_holdable", "item cannot be requested")
	ErrAlreadyClosed        = New(KindPrecondition, "already_closed", "request is already closed")
	ErrFeeAlreadyClosed     = New(KindPrecondition, "fee_already_closed", "fee is already closed")
	ErrFeeHasPayments       = New(KindPrecondition, "fee_has_payments", "fee has payments and cannot be deleted")
	ErrIllegalTransition    = New(KindPrecondition, "illegal_transition", "illegal item status transition")
)

// Conflict errors.
var (
	ErrConflict    = New(KindConflict, "conflict", "concurrent modification, retry")
	ErrRateLimited = New(KindConflict, "rate_limited", "rate limit exceeded")
)

// Configuration errors.
var (
	ErrNoApplicablePolicy = New(KindConfiguration, "no_applicable_policy", "no applicable policy")
)

// Internal wraps an unexpected error and stamps it with a correlation id.
// Contract errors pass through unchanged.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{
		Kind:          KindInternal,
		Code:          "internal",
		Message:       "internal error",
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// KindOf reports the kind of err; unknown errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}
