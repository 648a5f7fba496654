// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for Payment rows.
//
// Functions:
//
//   - CreatePayment(ctx, db, p) -> error
//     Inserts a new payment row.
//
//   - GetPayment(ctx, db, id) -> *domain.Payment, error
//     Fetches a single payment, or ErrNotFound.
//
//   - UpdatePayment(ctx, db, p) -> error
//     Persists the full payment row (status transitions, gateway fields).
//
//   - ListRoundPayments(ctx, db, tandaID, round) -> []domain.Payment, error
//     Returns all payments recorded against one round of a tanda.
//
//   - ListTandaPayments(ctx, db, tandaID) -> []domain.Payment, error
//     Returns every payment for a tanda, oldest first.
//
//   - FindActivePayment(ctx, db, tandaID, round, participantID)
//     Returns the completed or pending_authorization payment for the tuple,
//     or ErrNotFound. This backs the at-most-one-active-payment invariant.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
)

// CreatePayment inserts a new payment row.
func CreatePayment(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	return db.WithContext(ctx).Create(p).Error
}

// GetPayment fetches a payment by ID, or ErrNotFound.
func GetPayment(ctx context.Context, db *gorm.DB, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePayment persists the full payment row.
func UpdatePayment(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	return db.WithContext(ctx).Save(p).Error
}

// ListRoundPayments returns all payments recorded against one round of a
// tanda, oldest first.
func ListRoundPayments(ctx context.Context, db *gorm.DB, tandaID string, round int) ([]domain.Payment, error) {
	var out []domain.Payment
	err := db.WithContext(ctx).
		Where("tanda_id = ? AND round = ?", tandaID, round).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// ListTandaPayments returns every payment for a tanda, oldest first.
func ListTandaPayments(ctx context.Context, db *gorm.DB, tandaID string) ([]domain.Payment, error) {
	var out []domain.Payment
	err := db.WithContext(ctx).
		Where("tanda_id = ?", tandaID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// FindActivePayment returns the payment that blocks a new contribution for
// (tandaID, round, participantID): one in completed or
// pending_authorization state. Returns ErrNotFound when the participant is
// free to pay.
func FindActivePayment(ctx context.Context, db *gorm.DB, tandaID string, round int, participantID string) (*domain.Payment, error) {
	var p domain.Payment
	err := db.WithContext(ctx).
		Where("tanda_id = ? AND round = ? AND participant_id = ? AND status IN ?",
			tandaID, round, participantID,
			[]domain.PaymentStatus{domain.PaymentCompleted, domain.PaymentPendingAuthorization}).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}
