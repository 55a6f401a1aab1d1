package escrow

import "errors"

// Failure taxonomy surfaced by the registry and the state machine. Every
// failed operation leaves the record untouched apart from the documented
// partial-deposit case on ErrInsufficientFee; retries are the caller's
// responsibility.
var (
	// ErrNotFound is returned for an index outside the registry range.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrUnknownDispute is returned when a dispute identifier has no
	// registered transaction.
	ErrUnknownDispute = errors.New("escrow: unknown dispute")
	// ErrDisputeLinked is returned when a dispute identifier is already
	// mapped to another transaction. The gateway should never reuse IDs;
	// the check is defensive.
	ErrDisputeLinked = errors.New("escrow: dispute already linked")
	// ErrUnauthorized is returned when the caller identity does not match
	// the party a restricted operation names.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrWrongStatus is returned when the operation is invalid for the
	// record's current lifecycle state.
	ErrWrongStatus = errors.New("escrow: operation not allowed in current status")
	// ErrFundingMismatch is returned when the supplied value does not equal
	// the declared amount plus fee breakdown.
	ErrFundingMismatch = errors.New("escrow: supplied value does not match declared breakdown")
	// ErrInvalidInput is returned when a caller-supplied amount or breakdown
	// violates basic constraints.
	ErrInvalidInput = errors.New("escrow: invalid input")
	// ErrInsufficientFee is returned when a party's cumulative arbitration
	// deposit is still below the gateway's current cost quote. The deposit
	// itself is retained and counts toward later calls.
	ErrInsufficientFee = errors.New("escrow: arbitration fee below current cost")
	// ErrTimeoutNotElapsed is returned when a timeout entry point is called
	// before the configured threshold has passed.
	ErrTimeoutNotElapsed = errors.New("escrow: timeout not elapsed")
	// ErrInvalidRuling is returned when the ruling exceeds the defined
	// choice count.
	ErrInvalidRuling = errors.New("escrow: ruling exceeds choice count")
	// ErrTransferFailed wraps a failure of the underlying value-transfer
	// primitive; the triggering operation is aborted.
	ErrTransferFailed = errors.New("escrow: value transfer failed")
)
