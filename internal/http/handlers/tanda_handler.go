// Tanda HTTP handlers.
//
// This file exposes REST endpoints for tanda resources:
//   - POST   /tandas                          (create)
//   - GET    /tandas/{id}                     (get with next recipient)
//   - POST   /tandas/join/{code}              (join by invite code)
//   - GET    /tandas/invite/{code}            (invite preview)
//   - POST   /tandas/{id}/start               (manual round start)
//   - GET    /participants/{wallet}/tandas    (memberships, paginated, ETag)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
	"github.com/tandaloop/go-tanda-backend/internal/repo"
	"github.com/tandaloop/go-tanda-backend/internal/services"
	"github.com/tandaloop/go-tanda-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// MembershipService defines tanda lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MembershipService interface {
	// Create validates the configuration and persists a new tanda with its
	// founder at position 1.
	Create(ctx context.Context, p services.CreateParams) (*domain.Tanda, error)
	// Join enrolls a wallet at the next sequential position.
	Join(ctx context.Context, tandaID, displayName, wallet string) (*domain.Tanda, error)
	// JoinByInvite resolves an invite code and enrolls like Join.
	JoinByInvite(ctx context.Context, code, displayName, wallet string) (*domain.Tanda, error)
	// Get returns a tanda with its derived status and next payout recipient.
	Get(ctx context.Context, tandaID string) (*domain.Tanda, *domain.Participant, error)
	// InvitePreview resolves an invite code for a prospective member.
	InvitePreview(ctx context.Context, code string) (*domain.Tanda, error)
	// StartRounds starts round 1 of a full tanda.
	StartRounds(ctx context.Context, tandaID string) (*domain.Tanda, error)
	// ListForParticipant summarizes every tanda the wallet belongs to.
	ListForParticipant(ctx context.Context, wallet string) ([]services.MembershipSummary, error)
}

// SettlementService defines contribution and payout operations consumed by
// HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SettlementService interface {
	// SubmitContribution processes one contribution toward the effective round.
	SubmitContribution(ctx context.Context, tandaID, wallet string, amount int64) (*services.PaymentOutcome, error)
	// CompletePendingPayment finalizes a pending_authorization payment.
	CompletePendingPayment(ctx context.Context, paymentID, proof string) (*services.PaymentOutcome, error)
	// RetrySettlement re-attempts the payout of a complete-but-unsettled round.
	RetrySettlement(ctx context.Context, tandaID string) (*services.RoundResult, error)
	// ListTandaPayments returns a tanda's full payment history, oldest first.
	ListTandaPayments(ctx context.Context, tandaID string) ([]domain.Payment, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for tandas and payments. It depends on
// abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	memberSvc MembershipService
	settleSvc SettlementService

	// IdempotencyTTL bounds how long a stored Idempotency-Key replay is
	// honored. Zero means the 24h default.
	IdempotencyTTL time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
func New(memberSvc MembershipService, settleSvc SettlementService) *Handlers {
	return &Handlers{memberSvc: memberSvc, settleSvc: settleSvc}
}

//
// DTOs
//

// CreateTandaRequest is the JSON payload for creating a tanda. Exactly one
// of contribution_amount or total_amount must be positive.
type CreateTandaRequest struct {
	Name               string `json:"name" binding:"required,min=1,max=255" example:"Cena Club"`
	Description        string `json:"description" example:"Monthly dinner pool"`
	Frequency          string `json:"frequency" example:"monthly"`
	FounderName        string `json:"founder_name" binding:"required,min=1,max=255" example:"Ana"`
	FounderWallet      string `json:"founder_wallet" binding:"required" example:"https://wallet.example/ana"`
	ContributionAmount int64  `json:"contribution_amount" example:"100"`
	TotalAmount        int64  `json:"total_amount" example:"0"`
	ParticipantCount   int    `json:"participant_count" binding:"required,min=2" example:"5"`
}

// JoinTandaRequest is the JSON payload for joining a tanda.
type JoinTandaRequest struct {
	DisplayName   string `json:"display_name" binding:"required,min=1,max=255" example:"Luis"`
	WalletAddress string `json:"wallet_address" binding:"required" example:"https://wallet.example/luis"`
}

// TandaResponse wraps a tanda with the resolved recipient of the effective
// round (nil once all positions have been paid).
type TandaResponse struct {
	Tanda         *domain.Tanda       `json:"tanda"`
	NextRecipient *domain.Participant `json:"next_recipient,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListMembershipsResponse wraps a page of membership summaries.
type ListMembershipsResponse struct {
	Tandas     []services.MembershipSummary `json:"tandas"`
	Pagination Pagination                   `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// failService maps a service-layer error to its HTTP status and stable code.
// The mapping is exhaustive over the service sentinels; anything unmatched is
// an internal error.
func failService(c *gin.Context, err error) {
	type mapping struct {
		sentinel error
		status   int
		code     string
	}
	mappings := []mapping{
		{services.ErrInvalidConfig, http.StatusBadRequest, ErrCodeInvalidConfig},
		{services.ErrTandaNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrPaymentNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrNotOpen, http.StatusConflict, ErrCodeNotOpen},
		{services.ErrAlreadyMember, http.StatusConflict, ErrCodeAlreadyMember},
		{services.ErrTandaFull, http.StatusConflict, ErrCodeTandaFull},
		{services.ErrWrongPhase, http.StatusConflict, ErrCodeWrongPhase},
		{services.ErrNotAMember, http.StatusForbidden, ErrCodeNotAMember},
		{services.ErrRecipientCannotPay, http.StatusForbidden, ErrCodeRecipientCannotPay},
		{services.ErrWrongAmount, http.StatusUnprocessableEntity, ErrCodeWrongAmount},
		{services.ErrAlreadyPaid, http.StatusConflict, ErrCodeAlreadyPaid},
		{services.ErrNotPending, http.StatusConflict, ErrCodeNotPending},
		{services.ErrTandaHalted, http.StatusConflict, ErrCodeTandaHalted},
		{services.ErrNoRecipient, http.StatusInternalServerError, ErrCodeInvariantViolation},
		{services.ErrRoundUnsettled, http.StatusBadGateway, ErrCodeRoundUnsettled},
		{services.ErrGateway, http.StatusBadGateway, ErrCodeGatewayFailed},
	}
	for _, m := range mappings {
		if errors.Is(err, m.sentinel) {
			fail(c, m.status, m.code, err.Error())
			return
		}
	}
	fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
}

//
// Handlers
//

// CreateTanda handles POST /tandas. It returns 201 with the created tanda,
// including its invite code.
func (h *Handlers) CreateTanda(c *gin.Context) {
	var req CreateTandaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	t, err := h.memberSvc.Create(c.Request.Context(), services.CreateParams{
		Name:               strings.TrimSpace(req.Name),
		Description:        strings.TrimSpace(req.Description),
		Frequency:          strings.TrimSpace(req.Frequency),
		FounderName:        strings.TrimSpace(req.FounderName),
		FounderWallet:      strings.TrimSpace(req.FounderWallet),
		ContributionAmount: req.ContributionAmount,
		TotalAmount:        req.TotalAmount,
		ParticipantCount:   req.ParticipantCount,
	})
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, t)
}

// GetTanda handles GET /tandas/{id}. The response includes the derived
// status and the effective round's recipient.
func (h *Handlers) GetTanda(c *gin.Context) {
	tandaID := c.Param("id")
	if _, err := uuid.Parse(tandaID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tanda id must be a UUID")
		return
	}

	t, recipient, err := h.memberSvc.Get(c.Request.Context(), tandaID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, TandaResponse{Tanda: t, NextRecipient: recipient})
}

// JoinTanda handles POST /tandas/join/{code}. The invite code identifies the
// tanda; the body identifies the joining wallet.
func (h *Handlers) JoinTanda(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if code == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invite code required")
		return
	}

	var req JoinTandaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "display_name and wallet_address required")
		return
	}

	t, err := h.memberSvc.JoinByInvite(c.Request.Context(), code,
		strings.TrimSpace(req.DisplayName), strings.TrimSpace(req.WalletAddress))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// InvitePreview handles GET /tandas/invite/{code}. It lets a prospective
// member inspect the group before joining.
func (h *Handlers) InvitePreview(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if code == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invite code required")
		return
	}

	t, err := h.memberSvc.InvitePreview(c.Request.Context(), code)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// StartRounds handles POST /tandas/{id}/start. Only a full tanda can start.
func (h *Handlers) StartRounds(c *gin.Context) {
	tandaID := c.Param("id")
	if _, err := uuid.Parse(tandaID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tanda id must be a UUID")
		return
	}

	t, err := h.memberSvc.StartRounds(c.Request.Context(), tandaID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// ListParticipantTandas handles GET /participants/{wallet}/tandas. It
// returns a page of the wallet's memberships. Supports weak ETag via
// If-None-Match and may return 304.
func (h *Handlers) ListParticipantTandas(c *gin.Context) {
	ctx := c.Request.Context()
	wallet := strings.TrimSpace(c.Param("wallet"))
	if wallet == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "wallet address required")
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, isConcrete := h.memberSvc.(*services.MembershipService); isConcrete {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.ParticipantTandasStats(ctx, db, wallet)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"memberships:%s:%d:%d"`, wallet, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, err := h.memberSvc.ListForParticipant(ctx, wallet)
	if err != nil {
		failService(c, err)
		return
	}

	total := int64(len(items))
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	lo := (page - 1) * pageSize
	if lo > len(items) {
		lo = len(items)
	}
	hi := lo + pageSize
	if hi > len(items) {
		hi = len(items)
	}

	resp := ListMembershipsResponse{
		Tandas: items[lo:hi],
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}
