// internal/errs/errs.go

// Package errs classifies the failures circulation operations report.
package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	Internal Kind = iota
	Validation
	Conflict
	Eligibility
	Integrity
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case Eligibility:
		return "eligibility"
	case Integrity:
		return "integrity"
	case Unavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

type kindError struct {
	kind Kind
	code string
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Kind() Kind { return e.kind }

// Code is a stable identifier for API payloads.
func (e *kindError) Code() string { return e.code }

func newKind(kind Kind, code, msg string) error {
	return &kindError{kind: kind, code: code, msg: msg}
}

var (
	ErrInvalidDueDate    = newKind(Validation, "invalid_due_date", "due date must be after the issue date")
	ErrDueDateTooFar     = newKind(Validation, "due_date_too_far", "due date exceeds the maximum loan period")
	ErrTooManyCopies     = newKind(Validation, "too_many_copies", "too many copies requested for one ticket")
	ErrInvalidReturnDate = newKind(Validation, "invalid_return_date", "return date is before the borrow date")
	ErrNoCopies          = newKind(Validation, "no_copies", "at least one copy is required")
	ErrDuplicateCopy     = newKind(Validation, "duplicate_copy", "copy requested more than once")
	ErrInvalidCondition  = newKind(Validation, "invalid_condition", "unknown return condition")
	ErrInvalidLine       = newKind(Validation, "invalid_line", "return line needs a loan id or a copy id")

	ErrCopyUnavailable   = newKind(Conflict, "copy_unavailable", "copy is not available")
	ErrDuplicateOpenLoan = newKind(Conflict, "duplicate_open_loan", "copy already has an open loan")
	ErrAlreadyClosed     = newKind(Conflict, "already_closed", "loan is already closed")
	ErrLoanNotFound      = newKind(Conflict, "loan_not_found", "loan not found")
	ErrNoOpenLoan        = newKind(Conflict, "no_open_loan", "copy has no open loan")
	ErrCopyNotOnLoan     = newKind(Conflict, "copy_not_on_loan", "copy is not on loan")
	ErrCopyNotReserved   = newKind(Conflict, "copy_not_reserved", "copy must be reserved before a loan is opened")
	ErrCopyNotFound      = newKind(Conflict, "copy_not_found", "copy not found")
	ErrTicketNotFound    = newKind(Conflict, "ticket_not_found", "ticket not found")
	ErrFineNotFound      = newKind(Conflict, "fine_not_found", "fine not found")
	ErrFineAlreadyPaid   = newKind(Conflict, "fine_already_paid", "fine is already paid")

	ErrReaderNotEligible = newKind(Eligibility, "reader_not_eligible", "reader is not eligible to borrow")

	ErrEligibilityUnavailable = newKind(Unavailable, "eligibility_unavailable", "reader eligibility check unavailable")
)

// CopyUnavailableError names the copy that could not be reserved.
type CopyUnavailableError struct {
	CopyID uuid.UUID
	State  string
}

func (e *CopyUnavailableError) Error() string {
	return fmt.Sprintf("copy %s is not available (state %s)", e.CopyID, e.State)
}

func (e *CopyUnavailableError) Unwrap() error { return ErrCopyUnavailable }

// EligibilityError carries the reason code returned by the eligibility check.
type EligibilityError struct {
	ReaderID uuid.UUID
	Reason   string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("reader %s is not eligible: %s", e.ReaderID, e.Reason)
}

func (e *EligibilityError) Unwrap() error { return ErrReaderNotEligible }

// IntegrityError is returned when a compensating step failed and the
// persisted state needs manual reconciliation.
type IntegrityError struct {
	Op     string
	CopyID uuid.UUID
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation during %s of copy %s: %v", e.Op, e.CopyID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// KindOf walks the error chain and returns the first classification found.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return Integrity
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Internal
}

// CodeOf returns the stable code of a classified error, or "internal".
func CodeOf(err error) string {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return "integrity_violation"
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.code
	}
	return "internal"
}

// IsRetryable reports whether resubmitting the request may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Conflict, Unavailable:
		return true
	}
	return false
}
