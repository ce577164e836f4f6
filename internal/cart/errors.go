package cart

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart          = errors.New("cart is empty, nothing to checkout")
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	ErrStoreClosed        = errors.New("cart store is closed")
)

// PersistenceError wraps a failed local store operation. It is logged, never
// returned from mutations: the in-memory cart stays authoritative.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cart persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type SubmissionKind string

const (
	SubmissionValidation  SubmissionKind = "validation"
	SubmissionStock       SubmissionKind = "stock_unavailable"
	SubmissionAuth        SubmissionKind = "authentication_required"
	SubmissionUnavailable SubmissionKind = "unavailable"
	SubmissionUnknown     SubmissionKind = "unknown"
)

// SubmissionError is returned by Checkout when the order service rejected the
// order or could not be reached. The cart is left untouched.
type SubmissionError struct {
	Kind SubmissionKind
	// Message is shown to the user as is.
	Message    string
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("order submission failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("order submission failed (%s): %s", e.Kind, e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting the same cart may succeed without user changes.
func (e *SubmissionError) Retryable() bool {
	return e.Kind == SubmissionUnavailable || e.Kind == SubmissionUnknown
}

func asSubmissionError(err error) *SubmissionError {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se
	}
	return &SubmissionError{Kind: SubmissionUnknown, Message: err.Error(), Err: err}
}
