package workflow

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a concurrent writer won a race on the same
// workflow and the caller should retry.
var ErrConflict = errors.New("workflow modified concurrently; retry")

// InvalidTransitionError indicates the requested destination is not in the
// transition table for the current state.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// AlreadyTerminalError indicates the workflow is closed or cancelled.
type AlreadyTerminalError struct {
	State State
}

func (e AlreadyTerminalError) Error() string {
	return fmt.Sprintf("workflow already terminal in state %s", e.State)
}

// UnauthorizedError indicates the actor may not request this transition.
type UnauthorizedError struct {
	ActorID string
	From    State
	To      State
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %s not permitted for transition %s -> %s", e.ActorID, e.From, e.To)
}

// RateBelowMinimumError rejects job creation below the statutory floor.
type RateBelowMinimumError struct {
	Rate    float64
	Minimum float64
}

func (e RateBelowMinimumError) Error() string {
	return fmt.Sprintf("hourly rate %.2f below statutory minimum %.2f", e.Rate, e.Minimum)
}

// GuardNotCertifiedError rejects an application from an unverified guard.
type GuardNotCertifiedError struct {
	GuardID string
}

func (e GuardNotCertifiedError) Error() string {
	return fmt.Sprintf("guard %s has no verified certification", e.GuardID)
}

// CompanyUnverifiedError rejects job creation by an unverified company.
type CompanyUnverifiedError struct {
	CompanyID string
}

func (e CompanyUnverifiedError) Error() string {
	return fmt.Sprintf("company %s registration not verified", e.CompanyID)
}

// ComplianceCheckFailedError wraps a verification collaborator failure,
// including timeouts. The requested action is rejected; state is unchanged.
type ComplianceCheckFailedError struct {
	Err error
}

func (e ComplianceCheckFailedError) Error() string {
	return fmt.Sprintf("compliance check failed: %v", e.Err)
}

func (e ComplianceCheckFailedError) Unwrap() error { return e.Err }

// RatingOutOfRangeError rejects a rating outside the configured scale.
type RatingOutOfRangeError struct {
	Rating float64
	Min    float64
	Max    float64
}

func (e RatingOutOfRangeError) Error() string {
	return fmt.Sprintf("rating %.1f outside range %.1f-%.1f", e.Rating, e.Min, e.Max)
}

// DuplicateRatingError indicates a rating already exists for this role.
type DuplicateRatingError struct {
	WorkflowID string
	RaterRole  string
}

func (e DuplicateRatingError) Error() string {
	return fmt.Sprintf("rating by %s already submitted for workflow %s", e.RaterRole, e.WorkflowID)
}

// InvalidStateForRatingError indicates the workflow is not rateable.
type InvalidStateForRatingError struct {
	State State
}

func (e InvalidStateForRatingError) Error() string {
	return fmt.Sprintf("workflow in state %s cannot accept ratings", e.State)
}

// PaymentInitiationError indicates the external initiator rejected or failed;
// the workflow stays at rated and the caller may retry.
type PaymentInitiationError struct {
	WorkflowID string
	Err        error
}

func (e PaymentInitiationError) Error() string {
	return fmt.Sprintf("payment initiation failed for workflow %s: %v", e.WorkflowID, e.Err)
}

func (e PaymentInitiationError) Unwrap() error { return e.Err }
