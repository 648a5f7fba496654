// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package). These codes provide
// clients with a stable, machine-readable error taxonomy that supplements
// human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case.
//   - Generic codes (e.g., bad_request, not_found) mirror common HTTP status
//     semantics to aid interoperability.
//   - Domain-specific codes (e.g., wrong_amount, already_paid) are reserved
//     for business rules that cannot be conveyed by status alone.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "already_paid",
//	  "message": "participant already paid this round"
//	}
package handlers

const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeRateLimited = "too_many_requests"
	ErrCodeInternal    = "internal_error"

	// Domain-specific:
	ErrCodeInvalidConfig      = "invalid_config"
	ErrCodeNotOpen            = "not_open"
	ErrCodeAlreadyMember      = "already_member"
	ErrCodeTandaFull          = "tanda_full"
	ErrCodeWrongPhase         = "wrong_phase"
	ErrCodeNotAMember         = "not_a_member"
	ErrCodeRecipientCannotPay = "recipient_cannot_pay"
	ErrCodeWrongAmount        = "wrong_amount"
	ErrCodeAlreadyPaid        = "already_paid"
	ErrCodeNotPending         = "not_pending"
	ErrCodeGatewayFailed      = "gateway_failed"
	ErrCodeRoundUnsettled     = "round_unsettled"
	ErrCodeInvariantViolation = "invariant_violation"
	ErrCodeTandaHalted        = "tanda_halted"
	ErrCodeMethodNotAllowed   = "method_not_allowed"
)
