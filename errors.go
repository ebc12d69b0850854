package payflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass is the failure taxonomy used to route step outcomes.
type ErrorClass string

const (
	// ClassRetryable covers transient gateway, network and timeout failures.
	ClassRetryable ErrorClass = "retryable"
	// ClassTerminalBusiness covers definitive refusals such as a decline.
	ClassTerminalBusiness ErrorClass = "terminal_business"
	// ClassTerminalSystem covers exhausted budgets and unavailable storage.
	ClassTerminalSystem ErrorClass = "terminal_system"
	// ClassConflictingIdempotency is resolved by returning the winner.
	ClassConflictingIdempotency ErrorClass = "conflicting_idempotency"
)

// ErrorCode is a stable machine readable failure code.
type ErrorCode string

const (
	CodePaymentNotFound    ErrorCode = "PAYMENT_NOT_FOUND"
	CodeDuplicatePayment   ErrorCode = "DUPLICATE_PAYMENT"
	CodeProcessingFailed   ErrorCode = "PAYMENT_PROCESSING_FAILED"
	CodeAccountNotFound    ErrorCode = "ACCOUNT_NOT_FOUND"
	CodeInsufficientFunds  ErrorCode = "INSUFFICIENT_BALANCE"
	CodeSameAccount        ErrorCode = "SAME_ACCOUNT"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeInvalidAmount      ErrorCode = "INVALID_AMOUNT"
	CodeInvalidCurrency    ErrorCode = "INVALID_CURRENCY"
	CodeDeclined           ErrorCode = "DECLINED"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeRetriesExhausted   ErrorCode = "RETRIES_EXHAUSTED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransactionExists is returned by Ledger.Create for a duplicate id.
	ErrTransactionExists = errors.New("transaction already exists")
	// ErrStaleTransition is returned when a commit's From state no longer
	// matches the stored state.
	ErrStaleTransition = errors.New("stale transition")
	// ErrIllegalTransition is returned for transitions the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrUnavailable hides storage failures from callers of the engine.
	ErrUnavailable = errors.New("payment service temporarily unavailable")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine closed")
	// ErrEventInFlight is returned by a Dedup handler for a copy of an event
	// whose first delivery is still being handled. Transports requeue it.
	ErrEventInFlight = errors.New("event already in flight")
)

// StepError is an error produced by a step, tagged with its class.
type StepError struct {
	Class ErrorClass
	Code  ErrorCode
	Err   error
}

func (e *StepError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient.
func Retryable(err error) error {
	return &StepError{Class: ClassRetryable, Err: err}
}

// BusinessFailure marks err as a definitive business refusal.
func BusinessFailure(code ErrorCode, err error) error {
	return &StepError{Class: ClassTerminalBusiness, Code: code, Err: err}
}

// SystemFailure marks err as an operational failure needing intervention.
func SystemFailure(code ErrorCode, err error) error {
	return &StepError{Class: ClassTerminalSystem, Code: code, Err: err}
}

// Classify returns the class and code of err. Deadlines are retryable, and
// so is anything not explicitly classified.
func Classify(err error) (ErrorClass, ErrorCode) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Class, se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable, CodeServiceUnavailable
	}
	return ClassRetryable, CodeInternal
}

// IsTimeout reports whether err came from a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// ValidationError is returned by Start for specs that can never succeed.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

// NewValidationError builds a ValidationError.
func NewValidationError(code ErrorCode, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payment (%s): %s", e.Code, e.Message)
}
