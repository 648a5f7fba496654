// Package services – SettlementService
//
// This file implements the settlement engine: it accepts contributions,
// persists them, asks the rounds evaluator whether the effective round has
// closed, and if so disburses the pool to the round's recipient and rolls
// the round forward. Disbursement is the exactly-once-critical step: it
// runs inside the tanda's exclusive section, held across the gateway call,
// so two concurrent last-contributions can never both trigger a payout.
//
// Gateway calls are bounded with GatewayTimeout; on timeout the in-flight
// payment is marked failed and the section released, so a slow connector
// can never hold a tanda's lock indefinitely. Nothing here retries
// automatically: failed contributions are resubmitted by the client, and a
// complete-but-unsettled round is retried via RetrySettlement.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/gorm"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
	"github.com/tandaloop/go-tanda-backend/internal/gateway"
	"github.com/tandaloop/go-tanda-backend/internal/repo"
	"github.com/tandaloop/go-tanda-backend/internal/rounds"
)

// SettlementService orchestrates contribution intake and round payouts.
type SettlementService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Gateway moves funds; it never decides tanda state.
	Gateway gateway.PaymentGateway
	// PoolWallet is the server-owned wallet that holds each round's pool.
	PoolWallet string
	// Locks is the per-tanda exclusion table shared with membership.
	Locks *LockTable
	// GatewayTimeout bounds each gateway call while the tanda lock is held.
	GatewayTimeout time.Duration
}

// NewSettlementService constructs a SettlementService with a default
// 30-second gateway timeout.
func NewSettlementService(db *gorm.DB, gw gateway.PaymentGateway, poolWallet string, locks *LockTable) *SettlementService {
	return &SettlementService{
		DB:             db,
		Gateway:        gw,
		PoolWallet:     poolWallet,
		Locks:          locks,
		GatewayTimeout: 30 * time.Second,
	}
}

// RoundResult reports a successful round settlement.
type RoundResult struct {
	Round     int                `json:"round"`
	Recipient domain.Participant `json:"recipient"`
	Amount    int64              `json:"amount"`
	Reference string             `json:"reference,omitempty"`
	NewRound  int                `json:"new_round"`
	Status    domain.TandaStatus `json:"status"`
}

// PaymentOutcome is the result of submitting or continuing a contribution.
type PaymentOutcome struct {
	Payment          *domain.Payment `json:"payment"`
	RequiresAuth     bool            `json:"requires_auth"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	RoundSettled     bool            `json:"round_settled"`
	Settlement       *RoundResult    `json:"settlement,omitempty"`
}

// SubmitContribution validates and processes one contribution from wallet
// toward the tanda's effective round, moving funds participant -> pool.
//
// Validation order follows the state machine: phase, membership, recipient
// exclusion, amount, duplicate payment. Any rejection leaves no state
// behind. An accepted contribution is persisted as processing before the
// gateway is called; the gateway outcome then drives the payment's terminal
// or pending state. When the contribution completes its round, settlement
// runs in the same exclusive section.
//
// On gateway failure the returned outcome still carries the failed payment
// alongside an error wrapping ErrGateway. On payout failure after a
// completed contribution, the error wraps ErrRoundUnsettled and the round
// stays complete-but-unsettled for RetrySettlement.
func (s *SettlementService) SubmitContribution(ctx context.Context, tandaID, wallet string, amount int64) (*PaymentOutcome, error) {
	var out *PaymentOutcome
	var outErr error

	err := s.Locks.WithLock(tandaID, func() error {
		t, err := repo.GetTanda(ctx, s.DB, tandaID)
		if err != nil {
			return notFound(err, ErrTandaNotFound)
		}

		status := rounds.Status(t)
		if status != domain.TandaOpen && status != domain.TandaFull && status != domain.TandaActive {
			contributionsTotal.WithLabelValues("rejected").Inc()
			return ErrWrongPhase
		}

		member := t.ParticipantByWallet(wallet)
		if member == nil {
			contributionsTotal.WithLabelValues("rejected").Inc()
			return ErrNotAMember
		}

		recipient := rounds.NextRecipient(t)
		if t.CurrentRound > 0 && recipient != nil && member.ID == recipient.ID {
			contributionsTotal.WithLabelValues("rejected").Inc()
			return ErrRecipientCannotPay
		}

		if amount != t.ContributionAmount {
			contributionsTotal.WithLabelValues("rejected").Inc()
			return ErrWrongAmount
		}

		round := rounds.EffectiveRound(t)
		if _, err := repo.FindActivePayment(ctx, s.DB, t.ID, round, member.ID); err == nil {
			contributionsTotal.WithLabelValues("rejected").Inc()
			return ErrAlreadyPaid
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		payment := &domain.Payment{
			ID:            uuid.NewString(),
			TandaID:       t.ID,
			ParticipantID: member.ID,
			Round:         round,
			Amount:        amount,
			Status:        domain.PaymentProcessing,
			CreatedAt:     time.Now().UTC(),
		}
		if err := repo.CreatePayment(ctx, s.DB, payment); err != nil {
			return err
		}

		memo := contributionMemo(t, round, member.DisplayName)
		result, err := s.callGateway(ctx, "transfer", func(gctx context.Context) (*gateway.TransferResult, error) {
			return s.Gateway.Transfer(gctx, member.WalletAddress, s.PoolWallet, amount, memo)
		})
		if err != nil {
			s.failPayment(ctx, payment, err)
			contributionsTotal.WithLabelValues("failed").Inc()
			out = &PaymentOutcome{Payment: payment}
			outErr = fmt.Errorf("%w: %w", ErrGateway, err)
			return nil
		}

		if result.Pending() {
			payment.Status = domain.PaymentPendingAuthorization
			payment.AuthorizationURL = result.AuthorizationURL
			payment.ContinueURI = result.ContinueURI
			payment.ContinueToken = result.ContinueToken
			payment.QuoteID = result.QuoteID
			if err := repo.UpdatePayment(ctx, s.DB, payment); err != nil {
				return err
			}
			contributionsTotal.WithLabelValues("pending_authorization").Inc()
			log.Info().Str("tanda_id", t.ID).Str("payment_id", payment.ID).
				Int("round", round).Msg("contribution pending payer authorization")
			out = &PaymentOutcome{
				Payment:          payment,
				RequiresAuth:     true,
				AuthorizationURL: result.AuthorizationURL,
			}
			return nil
		}

		now := time.Now().UTC()
		payment.Status = domain.PaymentCompleted
		payment.ExternalReference = result.Reference
		payment.CompletedAt = &now
		if err := repo.UpdatePayment(ctx, s.DB, payment); err != nil {
			return err
		}
		contributionsTotal.WithLabelValues("completed").Inc()
		log.Info().Str("tanda_id", t.ID).Str("payment_id", payment.ID).
			Str("wallet", wallet).Int("round", round).Msg("contribution completed")

		out = &PaymentOutcome{Payment: payment}
		outErr = s.maybeSettle(ctx, t, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, outErr
}

// CompletePendingPayment finalizes a pending_authorization payment using the
// payer's interaction proof. On gateway success the payment completes and
// the round-completion check reruns exactly as in SubmitContribution. A
// definitive gateway rejection demotes the payment to failed; a transport
// or deadline error leaves it pending so the continuation can be retried.
// The pending record is never silently dropped.
func (s *SettlementService) CompletePendingPayment(ctx context.Context, paymentID, proof string) (*PaymentOutcome, error) {
	payment, err := repo.GetPayment(ctx, s.DB, paymentID)
	if err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}

	var out *PaymentOutcome
	var outErr error

	err = s.Locks.WithLock(payment.TandaID, func() error {
		// Re-read under the lock; the state may have moved.
		payment, err = repo.GetPayment(ctx, s.DB, paymentID)
		if err != nil {
			return notFound(err, ErrPaymentNotFound)
		}
		if payment.Status != domain.PaymentPendingAuthorization {
			return ErrNotPending
		}

		t, err := repo.GetTanda(ctx, s.DB, payment.TandaID)
		if err != nil {
			return notFound(err, ErrTandaNotFound)
		}
		member := t.ParticipantByID(payment.ParticipantID)
		if member == nil {
			return ErrNotAMember
		}

		result, err := s.callGateway(ctx, "continue", func(gctx context.Context) (*gateway.TransferResult, error) {
			return s.Gateway.ContinueTransfer(gctx, gateway.ContinueRequest{
				SourceWallet:  member.WalletAddress,
				ContinueURI:   payment.ContinueURI,
				ContinueToken: payment.ContinueToken,
				QuoteID:       payment.QuoteID,
				Proof:         proof,
			})
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// Transient: keep the continuation alive for another attempt.
				outErr = fmt.Errorf("%w: %w", ErrGateway, err)
				out = &PaymentOutcome{Payment: payment, RequiresAuth: true, AuthorizationURL: payment.AuthorizationURL}
				return nil
			}
			s.failPayment(ctx, payment, err)
			contributionsTotal.WithLabelValues("failed").Inc()
			out = &PaymentOutcome{Payment: payment}
			outErr = fmt.Errorf("%w: %w", ErrGateway, err)
			return nil
		}

		now := time.Now().UTC()
		payment.Status = domain.PaymentCompleted
		payment.ExternalReference = result.Reference
		payment.CompletedAt = &now
		payment.AuthorizationURL = ""
		payment.ContinueURI = ""
		payment.ContinueToken = ""
		payment.QuoteID = ""
		if err := repo.UpdatePayment(ctx, s.DB, payment); err != nil {
			return err
		}
		contributionsTotal.WithLabelValues("completed").Inc()
		log.Info().Str("tanda_id", t.ID).Str("payment_id", payment.ID).
			Int("round", payment.Round).Msg("pending contribution completed")

		out = &PaymentOutcome{Payment: payment}
		outErr = s.maybeSettle(ctx, t, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, outErr
}

// RetrySettlement re-attempts the payout of a round that completed but
// failed to settle. It fails with ErrWrongPhase when the effective round is
// not actually complete.
func (s *SettlementService) RetrySettlement(ctx context.Context, tandaID string) (*RoundResult, error) {
	var result *RoundResult
	err := s.Locks.WithLock(tandaID, func() error {
		t, err := repo.GetTanda(ctx, s.DB, tandaID)
		if err != nil {
			return notFound(err, ErrTandaNotFound)
		}
		payments, err := repo.ListRoundPayments(ctx, s.DB, t.ID, rounds.EffectiveRound(t))
		if err != nil {
			return err
		}
		if !rounds.IsRoundComplete(t, payments) {
			return ErrWrongPhase
		}
		result, err = s.settleRound(ctx, t)
		return err
	})
	return result, err
}

// ListTandaPayments returns every payment recorded for the tanda, oldest
// first. Read-only, so it does not enter the tanda's exclusive section.
func (s *SettlementService) ListTandaPayments(ctx context.Context, tandaID string) ([]domain.Payment, error) {
	if _, err := repo.GetTanda(ctx, s.DB, tandaID); err != nil {
		return nil, notFound(err, ErrTandaNotFound)
	}
	return repo.ListTandaPayments(ctx, s.DB, tandaID)
}

// maybeSettle checks round completion after a contribution completed and,
// if the round closed, settles it into out. A payout failure is reported
// via the returned error (wrapping ErrRoundUnsettled); the contribution
// itself remains completed.
func (s *SettlementService) maybeSettle(ctx context.Context, t *domain.Tanda, out *PaymentOutcome) error {
	payments, err := repo.ListRoundPayments(ctx, s.DB, t.ID, rounds.EffectiveRound(t))
	if err != nil {
		return err
	}
	if !rounds.IsRoundComplete(t, payments) {
		return nil
	}

	result, err := s.settleRound(ctx, t)
	if err != nil {
		if errors.Is(err, ErrNoRecipient) || errors.Is(err, ErrTandaHalted) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRoundUnsettled, err)
	}
	out.RoundSettled = true
	out.Settlement = result
	return nil
}

// settleRound disburses the pool to the effective round's recipient and
// advances the round. Callers must hold the tanda's exclusive section and
// must have verified round completion.
//
// A missing recipient is an invariant violation: it is logged distinctly,
// counted, and freezes the tanda rather than guessing a recovery. A payout
// failure leaves the recipient unpaid and the round unadvanced so the
// settlement can be retried.
func (s *SettlementService) settleRound(ctx context.Context, t *domain.Tanda) (*RoundResult, error) {
	// First close formally starts rounds.
	if t.CurrentRound == 0 {
		now := time.Now().UTC()
		t.CurrentRound = 1
		t.StartedAt = &now
		t.Status = rounds.Status(t)
	}

	recipient := rounds.NextRecipient(t)
	if recipient == nil {
		invariantViolationsTotal.Inc()
		s.Locks.Halt(t.ID)
		log.Error().Str("tanda_id", t.ID).Int("round", t.CurrentRound).
			Msg("invariant violation: complete round has no eligible recipient; tanda halted")
		return nil, ErrNoRecipient
	}

	payout := rounds.PayoutAmount(t)
	settledRound := t.CurrentRound
	memo := payoutMemo(t, settledRound, payout)

	settlementsInflight.Inc()
	result, err := s.callGateway(ctx, "payout", func(gctx context.Context) (*gateway.TransferResult, error) {
		return s.Gateway.Transfer(gctx, s.PoolWallet, recipient.WalletAddress, payout, memo)
	})
	settlementsInflight.Dec()
	if err != nil {
		log.Error().Err(err).Str("tanda_id", t.ID).Int("round", settledRound).
			Msg("round payout failed; round remains complete-but-unsettled")
		return nil, err
	}
	if result.Pending() {
		// The pool wallet is server-owned; its grants never require
		// interaction. Treat this as a gateway failure.
		return nil, fmt.Errorf("%w: payout unexpectedly requires interaction", gateway.ErrTransferFailed)
	}

	now := time.Now().UTC()
	recipient.HasReceived = true
	recipient.ReceivedAt = &now

	t.CurrentRound++
	t.Status = rounds.Status(t)
	if t.Status == domain.TandaCompleted {
		t.CompletedAt = &now
	}
	if err := repo.SaveTanda(ctx, s.DB, t); err != nil {
		return nil, err
	}

	roundsSettledTotal.Inc()
	log.Info().Str("tanda_id", t.ID).Int("round", settledRound).
		Str("recipient", recipient.DisplayName).Int64("amount", payout).
		Str("status", string(t.Status)).Msg("round settled")

	return &RoundResult{
		Round:     settledRound,
		Recipient: *recipient,
		Amount:    payout,
		Reference: result.Reference,
		NewRound:  t.CurrentRound,
		Status:    t.Status,
	}, nil
}

// callGateway runs one gateway call under the configured timeout and
// records its latency.
func (s *SettlementService) callGateway(ctx context.Context, op string, fn func(context.Context) (*gateway.TransferResult, error)) (*gateway.TransferResult, error) {
	timeout := s.GatewayTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := fn(gctx)
	gatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return result, err
}

// failPayment transitions an in-flight payment to its terminal failed
// state, preserving the gateway's reason.
func (s *SettlementService) failPayment(ctx context.Context, p *domain.Payment, cause error) {
	p.Status = domain.PaymentFailed
	p.FailureReason = cause.Error()
	if err := repo.UpdatePayment(ctx, s.DB, p); err != nil {
		log.Error().Err(err).Str("payment_id", p.ID).Msg("failed to persist payment failure")
	}
}

// amountPrinter renders integer amounts with digit grouping for gateway
// memos and logs.
var amountPrinter = message.NewPrinter(language.English)

func contributionMemo(t *domain.Tanda, round int, who string) string {
	return amountPrinter.Sprintf("Tanda %s round %d contribution from %s", t.Name, round, who)
}

func payoutMemo(t *domain.Tanda, round int, amount int64) string {
	return amountPrinter.Sprintf("Tanda %s round %d payout of %d", t.Name, round, amount)
}
