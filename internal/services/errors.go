// Package services defines the business logic for tanda membership and
// round settlement. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked
// by callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes is performed
// at the handler layer. They are grouped by the taxonomy the handlers map
// from: configuration, membership, phase, validation, gateway, invariant.
package services

import "errors"

// Configuration errors (bad creation parameters, never retried).
var (
	// ErrInvalidConfig is returned when creation parameters are unusable:
	// fewer than two participants, a non-positive contribution, or a total
	// pool amount that does not divide evenly across the group.
	ErrInvalidConfig = errors.New("invalid tanda configuration")
)

// Membership errors (user-correctable, surfaced verbatim).
var (
	// ErrTandaNotFound indicates the requested tanda does not exist.
	ErrTandaNotFound = errors.New("tanda not found")

	// ErrNotOpen is returned when joining a tanda that is no longer
	// recruiting.
	ErrNotOpen = errors.New("tanda is not open for new participants")

	// ErrAlreadyMember is returned when a wallet that already belongs to
	// the tanda tries to join again.
	ErrAlreadyMember = errors.New("wallet is already a participant")

	// ErrTandaFull is returned when every position is taken.
	ErrTandaFull = errors.New("tanda is full")
)

// Phase errors (operation invalid for the tanda's current status).
var (
	// ErrWrongPhase is returned when an operation is not valid in the
	// tanda's current lifecycle state (e.g. contributing to a completed
	// tanda, or starting rounds before the group is full).
	ErrWrongPhase = errors.New("operation not valid in current tanda phase")
)

// Validation errors (request rejected, no state mutated).
var (
	// ErrNotAMember is returned when the contributing wallet is not
	// enrolled in the tanda.
	ErrNotAMember = errors.New("wallet is not a participant of this tanda")

	// ErrRecipientCannotPay is returned when the current round's recipient
	// attempts to contribute to their own round.
	ErrRecipientCannotPay = errors.New("round recipient must not contribute to their own round")

	// ErrWrongAmount is returned when a contribution does not equal the
	// tanda's fixed contribution amount.
	ErrWrongAmount = errors.New("contribution amount does not match")

	// ErrAlreadyPaid is returned when a completed or pending payment
	// already exists for this participant and round.
	ErrAlreadyPaid = errors.New("round already paid")

	// ErrPaymentNotFound indicates the requested payment does not exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrNotPending is returned when trying to continue a payment that is
	// not awaiting authorization.
	ErrNotPending = errors.New("payment is not pending authorization")
)

// Gateway errors (external transfer failure; tanda state untouched beyond
// the payment record).
var (
	// ErrGateway wraps a failed fund movement. The payment involved is
	// marked failed; the caller may submit a new contribution.
	ErrGateway = errors.New("payment gateway failure")

	// ErrRoundUnsettled wraps a payout failure after a round completed.
	// The round stays complete-but-unsettled so settlement can be retried.
	ErrRoundUnsettled = errors.New("round complete but payout failed")
)

// Invariant errors (corrupted state; further mutation of the tanda halts).
var (
	// ErrNoRecipient means a complete round has no eligible recipient.
	ErrNoRecipient = errors.New("no eligible recipient for round")

	// ErrTandaHalted is returned for any mutating operation on a tanda
	// frozen after an invariant violation.
	ErrTandaHalted = errors.New("tanda halted after invariant violation")
)
