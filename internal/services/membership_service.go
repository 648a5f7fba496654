// Package services – MembershipService
//
// This file implements the MembershipService, which manages the lifecycle
// of a tanda's membership: creating a group with its founding participant,
// joining by invite code, assigning sequential payout positions, locking
// membership the instant the last slot fills, and manually starting rounds.
// Derived status always comes from the rounds evaluator; this service never
// invents a status value.
//
// Service-level errors (e.g. ErrNotOpen, ErrAlreadyMember, ErrTandaFull)
// are returned for predictable cases so handlers can map them to HTTP
// results consistently.
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
	"github.com/tandaloop/go-tanda-backend/internal/repo"
	"github.com/tandaloop/go-tanda-backend/internal/rounds"
)

// MembershipService provides tanda creation, joining, and round start.
type MembershipService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Locks is the per-tanda exclusion table shared with the settlement
	// engine.
	Locks *LockTable
}

// NewMembershipService constructs a MembershipService.
func NewMembershipService(db *gorm.DB, locks *LockTable) *MembershipService {
	return &MembershipService{DB: db, Locks: locks}
}

// CreateParams carries the inputs for creating a tanda. Exactly one of
// ContributionAmount or TotalAmount must be positive: a total pool amount
// is divided evenly across the group and must be divisible by
// ParticipantCount.
type CreateParams struct {
	Name               string
	Description        string
	Frequency          string
	FounderName        string
	FounderWallet      string
	ContributionAmount int64
	TotalAmount        int64
	ParticipantCount   int
}

// Create validates the configuration, enrolls the founder at position 1,
// and persists the new tanda with a fresh invite code. The tanda starts in
// the open state with CurrentRound = 0.
func (s *MembershipService) Create(ctx context.Context, p CreateParams) (*domain.Tanda, error) {
	if p.ParticipantCount < 2 {
		return nil, ErrInvalidConfig
	}
	if p.Name == "" || p.FounderName == "" || p.FounderWallet == "" {
		return nil, ErrInvalidConfig
	}

	per := p.ContributionAmount
	switch {
	case per > 0:
		// Per-person amount given directly.
	case p.TotalAmount > 0:
		if p.TotalAmount%int64(p.ParticipantCount) != 0 {
			return nil, ErrInvalidConfig
		}
		per = p.TotalAmount / int64(p.ParticipantCount)
	default:
		return nil, ErrInvalidConfig
	}

	freq := p.Frequency
	if freq == "" {
		freq = "monthly"
	}

	now := time.Now().UTC()
	t := &domain.Tanda{
		ID:                 uuid.NewString(),
		Name:               p.Name,
		Description:        p.Description,
		Frequency:          freq,
		ContributionAmount: per,
		TotalAmount:        per * int64(p.ParticipantCount),
		ParticipantCount:   p.ParticipantCount,
		CurrentRound:       0,
		Status:             domain.TandaOpen,
		CreatedAt:          now,
		Participants: []domain.Participant{{
			ID:            uuid.NewString(),
			DisplayName:   p.FounderName,
			WalletAddress: p.FounderWallet,
			Position:      1,
			IsFounder:     true,
			JoinedAt:      now,
		}},
	}
	t.Participants[0].TandaID = t.ID

	// Invite codes collide rarely; retry a few times on the unique index.
	for attempt := 0; attempt < 5; attempt++ {
		t.InviteCode = newInviteCode()
		err := repo.CreateTanda(ctx, s.DB, t)
		if err == nil {
			log.Info().Str("tanda_id", t.ID).Str("name", t.Name).
				Int("participant_count", t.ParticipantCount).
				Int64("contribution_amount", t.ContributionAmount).
				Msg("tanda created")
			return t, nil
		}
		if err != repo.ErrConflict {
			return nil, err
		}
	}
	return nil, repo.ErrConflict
}

// Join enrolls a wallet into the tanda at the next sequential position.
// It fails with ErrNotOpen once recruiting has closed, ErrAlreadyMember for
// a wallet already enrolled, and ErrTandaFull when every slot is taken.
// When the last slot fills, the status flips to full in the same operation.
func (s *MembershipService) Join(ctx context.Context, tandaID, displayName, wallet string) (*domain.Tanda, error) {
	if displayName == "" || wallet == "" {
		return nil, ErrInvalidConfig
	}

	var out *domain.Tanda
	err := s.Locks.WithLock(tandaID, func() error {
		t, err := repo.GetTanda(ctx, s.DB, tandaID)
		if err != nil {
			return notFound(err, ErrTandaNotFound)
		}

		if rounds.Status(t) != domain.TandaOpen {
			if len(t.Participants) >= t.ParticipantCount && t.CurrentRound == 0 {
				return ErrTandaFull
			}
			return ErrNotOpen
		}
		if t.ParticipantByWallet(wallet) != nil {
			return ErrAlreadyMember
		}

		member := domain.Participant{
			ID:            uuid.NewString(),
			TandaID:       t.ID,
			DisplayName:   displayName,
			WalletAddress: wallet,
			Position:      len(t.Participants) + 1,
			JoinedAt:      time.Now().UTC(),
		}
		if err := repo.AddParticipant(ctx, s.DB, &member); err != nil {
			if err == repo.ErrConflict {
				return ErrAlreadyMember
			}
			return err
		}
		t.Participants = append(t.Participants, member)

		t.Status = rounds.Status(t)
		if err := repo.SaveTanda(ctx, s.DB, t); err != nil {
			return err
		}

		log.Info().Str("tanda_id", t.ID).Str("wallet", wallet).
			Int("position", member.Position).Str("status", string(t.Status)).
			Msg("participant joined")
		out = t
		return nil
	})
	return out, err
}

// JoinByInvite resolves an invite code and enrolls the wallet like Join.
func (s *MembershipService) JoinByInvite(ctx context.Context, code, displayName, wallet string) (*domain.Tanda, error) {
	t, err := repo.GetTandaByInviteCode(ctx, s.DB, code)
	if err != nil {
		return nil, notFound(err, ErrTandaNotFound)
	}
	return s.Join(ctx, t.ID, displayName, wallet)
}

// Get returns a tanda with its status freshened from the evaluator and the
// next payout recipient resolved (nil when none).
func (s *MembershipService) Get(ctx context.Context, tandaID string) (*domain.Tanda, *domain.Participant, error) {
	t, err := repo.GetTanda(ctx, s.DB, tandaID)
	if err != nil {
		return nil, nil, notFound(err, ErrTandaNotFound)
	}
	t.Status = rounds.Status(t)
	return t, rounds.NextRecipient(t), nil
}

// InvitePreview resolves an invite code to the tanda a prospective member
// would be joining.
func (s *MembershipService) InvitePreview(ctx context.Context, code string) (*domain.Tanda, error) {
	t, err := repo.GetTandaByInviteCode(ctx, s.DB, code)
	if err != nil {
		return nil, notFound(err, ErrTandaNotFound)
	}
	t.Status = rounds.Status(t)
	return t, nil
}

// StartRounds formally starts round 1 of a full tanda without waiting for
// the first round's contributions to complete it implicitly. Fails with
// ErrWrongPhase unless the tanda is full.
func (s *MembershipService) StartRounds(ctx context.Context, tandaID string) (*domain.Tanda, error) {
	var out *domain.Tanda
	err := s.Locks.WithLock(tandaID, func() error {
		t, err := repo.GetTanda(ctx, s.DB, tandaID)
		if err != nil {
			return notFound(err, ErrTandaNotFound)
		}
		if rounds.Status(t) != domain.TandaFull {
			return ErrWrongPhase
		}

		now := time.Now().UTC()
		t.CurrentRound = 1
		t.StartedAt = &now
		t.Status = rounds.Status(t)
		if err := repo.SaveTanda(ctx, s.DB, t); err != nil {
			return err
		}

		log.Info().Str("tanda_id", t.ID).Msg("rounds started")
		out = t
		return nil
	})
	return out, err
}

// MembershipSummary is one entry of a participant's tanda listing.
type MembershipSummary struct {
	TandaID            string             `json:"tanda_id"`
	Name               string             `json:"name"`
	Status             domain.TandaStatus `json:"status"`
	Position           int                `json:"position"`
	HasReceived        bool               `json:"has_received"`
	ContributionAmount int64              `json:"contribution_amount"`
	CurrentRound       int                `json:"current_round"`
	TotalRounds        int                `json:"total_rounds"`
	NextRecipient      string             `json:"next_recipient,omitempty"`
}

// ListForParticipant returns a summary of every tanda the wallet belongs
// to, including the caller's position and the current round's recipient.
func (s *MembershipService) ListForParticipant(ctx context.Context, wallet string) ([]MembershipSummary, error) {
	tandas, err := repo.ListParticipantTandas(ctx, s.DB, wallet)
	if err != nil {
		return nil, err
	}

	out := make([]MembershipSummary, 0, len(tandas))
	for i := range tandas {
		t := &tandas[i]
		me := t.ParticipantByWallet(wallet)
		if me == nil {
			continue
		}
		sum := MembershipSummary{
			TandaID:            t.ID,
			Name:               t.Name,
			Status:             rounds.Status(t),
			Position:           me.Position,
			HasReceived:        me.HasReceived,
			ContributionAmount: t.ContributionAmount,
			CurrentRound:       t.CurrentRound,
			TotalRounds:        t.ParticipantCount,
		}
		if r := rounds.NextRecipient(t); r != nil {
			sum.NextRecipient = r.DisplayName
		}
		out = append(out, sum)
	}
	return out, nil
}

// notFound maps a repo-level record-not-found to a service sentinel and
// passes everything else through.
func notFound(err, sentinel error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return sentinel
	}
	return err
}

// inviteAlphabet deliberately omits easily confused characters.
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newInviteCode returns a 6-character shareable join code.
func newInviteCode() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// UUID-derived code if it somehow does.
		return uuid.NewString()[:6]
	}
	for i := range b {
		b[i] = inviteAlphabet[int(b[i])%len(inviteAlphabet)]
	}
	return string(b)
}
