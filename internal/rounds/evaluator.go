// Package rounds contains the pure round-evaluation logic for tandas.
// Every function here computes derived state from a tanda snapshot without
// side effects; it is the single source of truth for status, the effective
// round, the payout recipient, and round completion. Services never assign
// tanda status except with values sanctioned by Status.
package rounds

import (
	"github.com/tandaloop/go-tanda-backend/internal/domain"
)

// Status derives the lifecycle state of a tanda from its current fields:
//
//   - open      while membership is under capacity
//   - full      at capacity with rounds not yet started (CurrentRound = 0)
//   - active    while 0 < CurrentRound <= ParticipantCount
//   - completed once CurrentRound has advanced past ParticipantCount
func Status(t *domain.Tanda) domain.TandaStatus {
	switch {
	case len(t.Participants) < t.ParticipantCount:
		return domain.TandaOpen
	case t.CurrentRound == 0:
		return domain.TandaFull
	case t.CurrentRound <= t.ParticipantCount:
		return domain.TandaActive
	default:
		return domain.TandaCompleted
	}
}

// EffectiveRound is the round a new contribution counts toward: the current
// round once rounds have started, otherwise round 1 (pre-fund contributions
// collected while the group is still open or full apply to round 1).
func EffectiveRound(t *domain.Tanda) int {
	if t.CurrentRound > 0 {
		return t.CurrentRound
	}
	return 1
}

// NextRecipient returns the participant due to receive the effective
// round's pool: the one holding position == EffectiveRound who has not yet
// received. Positions are unique within a tanda, so there is at most one
// candidate. Returns nil when no such participant exists.
func NextRecipient(t *domain.Tanda) *domain.Participant {
	round := EffectiveRound(t)
	for i := range t.Participants {
		p := &t.Participants[i]
		if p.Position == round && !p.HasReceived {
			return p
		}
	}
	return nil
}

// IsRoundComplete reports whether every participant except the effective
// round's recipient has a completed payment for that round. The recipient
// is never required to pay into their own round, so completion requires
// ParticipantCount-1 completed payments.
func IsRoundComplete(t *domain.Tanda, payments []domain.Payment) bool {
	round := EffectiveRound(t)
	completed := 0
	for i := range payments {
		p := &payments[i]
		if p.TandaID == t.ID && p.Round == round && p.Status == domain.PaymentCompleted {
			completed++
		}
	}
	return completed >= t.ParticipantCount-1
}

// PayoutAmount is the pooled total disbursed to a round's recipient:
// everyone but the recipient contributes once.
func PayoutAmount(t *domain.Tanda) int64 {
	return t.ContributionAmount * int64(t.ParticipantCount-1)
}
