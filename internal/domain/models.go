// Package domain defines the persistence models for tandas, participants,
// and payments. These types are mapped with GORM and form the core data
// layer of the rotating-savings service.
package domain

import (
	"time"
)

// TandaStatus enumerates the lifecycle states of a tanda. Transitions are
// monotonic: open -> full -> active -> completed, with no back-transitions.
// The stored value is always derived by rounds.Status; callers never assign
// it from arbitrary input.
type TandaStatus string

const (
	// TandaOpen means the tanda is still recruiting participants.
	TandaOpen TandaStatus = "open"
	// TandaFull means every position is filled but rounds have not started.
	TandaFull TandaStatus = "full"
	// TandaActive means rounds are running (1..ParticipantCount).
	TandaActive TandaStatus = "active"
	// TandaCompleted means the final round has been paid out.
	TandaCompleted TandaStatus = "completed"
)

// PaymentStatus enumerates the lifecycle states of a contribution payment.
// Completed and Failed are terminal; PendingAuthorization may still move to
// either terminal state via an external continuation.
type PaymentStatus string

const (
	PaymentProcessing           PaymentStatus = "processing"
	PaymentPendingAuthorization PaymentStatus = "pending_authorization"
	PaymentCompleted            PaymentStatus = "completed"
	PaymentFailed               PaymentStatus = "failed"
)

// Tanda represents a rotating-savings group: a fixed set of participants
// contribute ContributionAmount each round, and the participant whose
// position matches the round number receives the pooled total.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - ContributionAmount: integer amount every participant pays per round.
//   - TotalAmount: ContributionAmount × ParticipantCount, kept for display.
//   - ParticipantCount: fixed group size, >= 2, set at creation.
//   - CurrentRound: 0 until rounds formally start, then 1..ParticipantCount.
//   - Status: derived lifecycle state (see TandaStatus).
//   - InviteCode: short shareable code used to join the group.
type Tanda struct {
	ID                 string      `json:"id"                  gorm:"type:char(36);primaryKey"`
	Name               string      `json:"name"                gorm:"type:varchar(255);not null"`
	Description        string      `json:"description"         gorm:"type:text"`
	Frequency          string      `json:"frequency"           gorm:"type:varchar(32);not null;default:'monthly'"`
	ContributionAmount int64       `json:"contribution_amount" gorm:"not null;check:contribution_amount > 0"`
	TotalAmount        int64       `json:"total_amount"        gorm:"not null"`
	ParticipantCount   int         `json:"participant_count"   gorm:"not null;check:participant_count >= 2"`
	CurrentRound       int         `json:"current_round"       gorm:"not null;default:0"`
	Status             TandaStatus `json:"status"              gorm:"type:varchar(16);not null;default:'open';check:status IN ('open','full','active','completed')"`
	InviteCode         string      `json:"invite_code"         gorm:"type:varchar(12);not null;uniqueIndex:ux_tanda_invite"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`

	// Participants holds the ordered membership. Positions are unique
	// within a tanda and immutable once assigned.
	Participants []Participant `json:"participants" gorm:"foreignKey:TandaID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Tanda.
func (Tanda) TableName() string { return "tandas" }

// ParticipantByID returns the participant with the given id, or nil.
func (t *Tanda) ParticipantByID(id string) *Participant {
	for i := range t.Participants {
		if t.Participants[i].ID == id {
			return &t.Participants[i]
		}
	}
	return nil
}

// ParticipantByWallet returns the participant with the given wallet
// address, or nil. Wallet addresses are unique within a tanda.
func (t *Tanda) ParticipantByWallet(wallet string) *Participant {
	for i := range t.Participants {
		if t.Participants[i].WalletAddress == wallet {
			return &t.Participants[i]
		}
	}
	return nil
}

// Participant represents one member of a tanda with a fixed payout
// position. The wallet address identifies the member on the payment
// network and is unique within the tanda.
type Participant struct {
	ID            string     `json:"id"             gorm:"type:char(36);primaryKey"`
	TandaID       string     `json:"tanda_id"       gorm:"type:char(36);not null;index;uniqueIndex:ux_participant_wallet,priority:1;uniqueIndex:ux_participant_position,priority:1"`
	DisplayName   string     `json:"display_name"   gorm:"type:varchar(255);not null"`
	WalletAddress string     `json:"wallet_address" gorm:"type:varchar(512);not null;uniqueIndex:ux_participant_wallet,priority:2"`
	Position      int        `json:"position"       gorm:"not null;uniqueIndex:ux_participant_position,priority:2;check:position >= 1"`
	IsFounder     bool       `json:"is_founder"     gorm:"not null;default:false"`
	HasReceived   bool       `json:"has_received"   gorm:"not null;default:false"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	JoinedAt      time.Time  `json:"joined_at"`
}

// TableName returns the database table name for Participant.
func (Participant) TableName() string { return "participants" }

// Payment represents a single contribution attempt by a participant toward
// a specific round. Terminal states (completed, failed) are immutable; a
// pending_authorization payment carries the gateway continuation fields
// needed to finish it later.
//
// Invariant: for a given (tanda, round, participant) at most one payment
// may be completed or pending_authorization at a time.
type Payment struct {
	ID            string        `json:"id"             gorm:"type:char(36);primaryKey"`
	TandaID       string        `json:"tanda_id"       gorm:"type:char(36);not null;index:idx_tanda_round,priority:1"`
	ParticipantID string        `json:"participant_id" gorm:"type:char(36);not null;index"`
	Round         int           `json:"round"          gorm:"not null;index:idx_tanda_round,priority:2;check:round >= 1"`
	Amount        int64         `json:"amount"         gorm:"not null"`
	Status        PaymentStatus `json:"status"         gorm:"type:varchar(32);not null;check:status IN ('processing','pending_authorization','completed','failed')"`

	// Gateway correlation, populated only while pending_authorization.
	AuthorizationURL string `json:"authorization_url,omitempty" gorm:"type:text"`
	ContinueURI      string `json:"-"                           gorm:"type:text"`
	ContinueToken    string `json:"-"                           gorm:"type:text"`
	QuoteID          string `json:"-"                           gorm:"type:text"`

	// ExternalReference is the gateway-side id of the settled transfer.
	ExternalReference string `json:"external_reference,omitempty" gorm:"type:text"`
	FailureReason     string `json:"failure_reason,omitempty"     gorm:"type:text"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Tanda is the parent group. Payments are cascade-deleted if their
	// tanda is removed.
	Tanda Tanda `json:"-" gorm:"foreignKey:TandaID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// Terminal reports whether the payment is in a state that must never
// change again.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentFailed
}
