// Package gateway defines the payment capability consumed by the settlement
// engine. The engine uses it only to move funds; it never lets gateway
// responses decide tanda state. No retry policy lives here; the caller
// decides whether and when to resubmit.
package gateway

import (
	"context"
	"errors"
)

// ErrTransferFailed wraps any gateway-side failure to move funds. Callers
// match it with errors.Is and surface the underlying cause.
var ErrTransferFailed = errors.New("transfer failed")

// TransferResult reports the outcome of a transfer attempt. A settled
// transfer carries the external reference of the created payment. A pending
// transfer carries the continuation fields required to finish it once the
// payer has authorized the debit out-of-band.
type TransferResult struct {
	Settled   bool   `json:"settled"`
	Reference string `json:"reference,omitempty"`

	// Continuation fields, set only while pending.
	AuthorizationURL string `json:"authorization_url,omitempty"`
	ContinueURI      string `json:"-"`
	ContinueToken    string `json:"-"`
	QuoteID          string `json:"-"`
}

// Pending reports whether the transfer is awaiting payer authorization.
func (r *TransferResult) Pending() bool { return !r.Settled }

// ContinueRequest carries everything needed to finish a transfer that
// required payer interaction: the continuation handle returned by the
// original Transfer call plus the interaction proof supplied by the client.
type ContinueRequest struct {
	SourceWallet  string
	ContinueURI   string
	ContinueToken string
	QuoteID       string
	Proof         string
}

// PaymentGateway moves funds between wallets on the payment network.
//
// Transfer moves amount from source to dest. It either settles
// synchronously, returns a pending result that must be finished with
// ContinueTransfer, or fails with an error wrapping ErrTransferFailed.
//
// ContinueTransfer resumes a pending transfer using the continuation handle
// and the payer's interaction proof. It settles or fails; it never returns
// another pending result.
//
// Implementations must honor ctx for cancellation and deadlines: the
// settlement engine holds a per-tanda lock across these calls and bounds
// them with a timeout.
type PaymentGateway interface {
	Transfer(ctx context.Context, source, dest string, amount int64, memo string) (*TransferResult, error)
	ContinueTransfer(ctx context.Context, req ContinueRequest) (*TransferResult, error)
}
