package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation    = errors.New("invalid request")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("already resolved")
	ErrForbidden     = errors.New("actor lacks approval authority")
	ErrTimeout       = errors.New("approval timed out")
	ErrDelivery      = errors.New("notification undeliverable")
	ErrPendingExists = errors.New("execution already has a pending approval")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned for any transition attempted on a request that
// is no longer pending. Prior is set when the request was resolved by a
// recorded decision.
type ConflictError struct {
	Token  string
	Status ApprovalStatus
	Prior  *ApprovalDecision
}

func (e *ConflictError) Error() string {
	if e.Prior != nil {
		return fmt.Sprintf("approval %q already %s by %s", e.Token, e.Status, e.Prior.Actor)
	}
	return fmt.Sprintf("approval %q already %s", e.Token, e.Status)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type ForbiddenError struct {
	Actor string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %s is not allowed to perform this operation", e.Actor)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

type TimeoutError struct {
	Token  string
	Window time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no decision on %q within %s", e.Token, e.Window)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notification undeliverable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }
