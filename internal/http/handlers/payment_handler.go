// Payment HTTP handlers.
//
// This file exposes REST endpoints for contribution payments:
//   - POST /tandas/{id}/payments     (submit a contribution)
//   - GET  /tandas/{id}/payments     (payment history, paginated, ETag)
//   - POST /payments/{id}/complete   (finish a pending authorization)
//   - POST /tandas/{id}/settle       (retry a failed round payout)
//
// A contribution that settles immediately returns 201; one that needs the
// payer's authorization returns 202 with the authorization URL. Either path
// may carry a settlement block when the contribution closed its round.
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
	"github.com/tandaloop/go-tanda-backend/internal/http/middleware"
	"github.com/tandaloop/go-tanda-backend/internal/repo"
	"github.com/tandaloop/go-tanda-backend/internal/services"
)

//
// DTOs
//

// SubmitPaymentRequest is the JSON payload for submitting a contribution.
type SubmitPaymentRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required" example:"https://wallet.example/luis"`
	Amount        int64  `json:"amount" binding:"required" example:"100"`
}

// CompletePaymentRequest carries the payer's interaction proof returned by
// the authorization redirect.
type CompletePaymentRequest struct {
	InteractRef string `json:"interact_ref" binding:"required" example:"4a5bbe06-8c7f-4a1c-94f5-3a7c0db1d6a1"`
}

// ListPaymentsResponse is the paginated payment history of one tanda.
type ListPaymentsResponse struct {
	Payments   []domain.Payment `json:"payments"`
	Pagination Pagination       `json:"pagination"`
}

//
// Handlers
//

// SubmitPayment handles POST /tandas/{id}/payments.
func (h *Handlers) SubmitPayment(c *gin.Context) {
	tandaID := c.Param("id")
	if _, err := uuid.Parse(tandaID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tanda id must be a UUID")
		return
	}

	var req SubmitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "wallet_address and amount required")
		return
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	ctx := c.Request.Context()

	// Idempotency (replay path). The tuple must match the middleware lookup,
	// so prefer the header wallet over the body one.
	idemKey := idempotencyKey(c)
	idemWallet := strings.TrimSpace(c.GetHeader(middleware.HeaderWalletAddress))
	if idemWallet == "" {
		idemWallet = wallet
	}
	if idemKey != "" {
		if svc, okSvc := h.settleSvc.(*services.SettlementService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, idemWallet, tandaID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetPayment(ctx, svc.DB, rec.PaymentID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, rec.Status, services.PaymentOutcome{
						Payment:      prev,
						RequiresAuth: rec.Status == http.StatusAccepted,
					})
					return
				}
			}
		}
	}

	out, err := h.settleSvc.SubmitContribution(ctx, tandaID, wallet, req.Amount)
	if err != nil {
		failService(c, err)
		return
	}
	status := http.StatusCreated
	if out.RequiresAuth {
		status = http.StatusAccepted
	}

	// Idempotency (store path), best effort.
	if idemKey != "" && out.Payment != nil {
		if svc, okSvc := h.settleSvc.(*services.SettlementService); okSvc && svc.DB != nil {
			ttl := h.IdempotencyTTL
			if ttl <= 0 {
				ttl = 24 * time.Hour
			}
			_, _ = repo.CreateIdempotency(ctx, svc.DB, idemWallet, tandaID, idemKey, out.Payment.ID, status, ttl)
		}
	}

	ok(c, status, out)
}

// idempotencyKey returns the validated key stashed by upstream middleware,
// falling back to the raw header when no validator ran.
func idempotencyKey(c *gin.Context) string {
	if v, okKey := middleware.GetIdempotencyKey(c); okKey {
		return v
	}
	return strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
}

// ListTandaPayments handles GET /tandas/{id}/payments. It returns a page of
// the tanda's payment history. Supports weak ETag via If-None-Match and may
// return 304.
func (h *Handlers) ListTandaPayments(c *gin.Context) {
	ctx := c.Request.Context()
	tandaID := c.Param("id")
	if _, err := uuid.Parse(tandaID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tanda id must be a UUID")
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, isConcrete := h.settleSvc.(*services.SettlementService); isConcrete {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.TandaPaymentsStats(ctx, db, tandaID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"payments:%s:%d:%d"`, tandaID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, err := h.settleSvc.ListTandaPayments(ctx, tandaID)
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

	ok(c, http.StatusOK, ListPaymentsResponse{
		Payments: items[lo:hi],
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// CompletePayment handles POST /payments/{id}/complete.
func (h *Handlers) CompletePayment(c *gin.Context) {
	paymentID := c.Param("id")
	if _, err := uuid.Parse(paymentID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payment id must be a UUID")
		return
	}

	var req CompletePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "interact_ref required")
		return
	}

	out, err := h.settleSvc.CompletePendingPayment(c.Request.Context(), paymentID,
		strings.TrimSpace(req.InteractRef))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// RetrySettlement handles POST /tandas/{id}/settle. It re-attempts the
// payout of a round whose contributions completed but whose disbursement
// failed.
func (h *Handlers) RetrySettlement(c *gin.Context) {
	tandaID := c.Param("id")
	if _, err := uuid.Parse(tandaID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tanda id must be a UUID")
		return
	}

	result, err := h.settleSvc.RetrySettlement(c.Request.Context(), tandaID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}
