/*
errors.go - Centralized error types for the marketplace

PURPOSE:
  All error types in one place for consistency and discoverability.
  Services wrap these with context; the HTTP layer maps them to status
  codes and stable string codes via Code().

ERROR CATEGORIES:
  1. Enrollment preconditions - AlreadyEnrolled, CourseUnavailable,
     InsufficientFunds. User-facing, reported individually.
  2. Invariant violations - NegativeBalance. Rejected before persistence.
  3. Store errors - not found, concurrent modification, uniqueness.

USAGE:
  if errors.Is(err, market.ErrInsufficientFunds) {
      var ife *market.InsufficientFundsError
      if errors.As(err, &ife) { ... ife.Shortfall ... }
  }

SEE ALSO:
  - enrollment/service.go: Produces the precondition errors
  - api/errors.go: Maps codes to HTTP responses
*/
package market

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyEnrolled is returned when a subscription for (user, course)
	// already exists. Also produced by the store's unique index.
	ErrAlreadyEnrolled = errors.New("already enrolled in course")

	// ErrCourseUnavailable is returned when the course is not open for purchase.
	ErrCourseUnavailable = errors.New("course is not available for purchase")

	// ErrInsufficientFunds is returned when the balance is lower than the price.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNegativeBalance is returned when a write would leave a balance below zero.
	ErrNegativeBalance = errors.New("balance cannot be negative")

	// ErrInvalidAmount is returned for malformed or out-of-range money values.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrConcurrentModification is returned when the balance version changed
	// between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrGroupPoolExists is returned by the store when a pool for the course
	// was created by someone else first. Callers treat it as success.
	ErrGroupPoolExists = errors.New("group pool already exists for course")

	// ErrAlreadyPlaced is returned when the user already has a group in the course.
	ErrAlreadyPlaced = errors.New("user already placed in a group of this course")

	// ErrNoGroups is returned when placement finds no groups for the course.
	ErrNoGroups = errors.New("course has no groups")

	ErrUserNotFound   = errors.New("user not found")
	ErrCourseNotFound = errors.New("course not found")
	ErrGroupNotFound  = errors.New("group not found")

	// ErrEmailTaken is returned when creating a user with an existing email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidInput is returned for request payloads that fail validation.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	CourseID  CourseID
	Available Money
	Price     Money
	Shortfall Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, price %s, shortfall %s",
		e.Available, e.Price, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// =============================================================================
// ERROR CODES - Stable identifiers for API clients
// =============================================================================

const (
	CodeAlreadyEnrolled   = "already_enrolled"
	CodeCourseUnavailable = "course_unavailable"
	CodeInsufficientFunds = "insufficient_funds"
	CodeNegativeBalance   = "negative_balance"
	CodeInvalidAmount     = "invalid_amount"
	CodeInvalidInput      = "invalid_input"
	CodeEmailTaken        = "email_taken"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeInternal          = "internal"
)

// Code maps an error to its stable code. Unknown errors are "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyEnrolled):
		return CodeAlreadyEnrolled
	case errors.Is(err, ErrCourseUnavailable):
		return CodeCourseUnavailable
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrNegativeBalance):
		return CodeNegativeBalance
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrEmailTaken):
		return CodeEmailTaken
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrConcurrentModification):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyEnrolled) ||
		errors.Is(err, ErrCourseUnavailable) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNegativeBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmailTaken)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrCourseNotFound) ||
		errors.Is(err, ErrGroupNotFound)
}
