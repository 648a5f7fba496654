// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Tanda
// aggregate (the tanda row plus its participants).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Round and settlement decisions belong
// to the services layer.
//
// Error semantics:
//   - When a tanda is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Unique-constraint violations surface as ErrConflict.
//   - Other DB errors are propagated raw.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across the service
// layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrConflict indicates a unique-constraint violation (duplicate wallet,
// position, or invite code).
var ErrConflict = errors.New("conflict")

// CreateTanda inserts a new tanda together with its founding participant.
// The caller is responsible for assigning IDs and the invite code.
func CreateTanda(ctx context.Context, db *gorm.DB, t *domain.Tanda) error {
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetTanda fetches a tanda by ID with its participants ordered by payout
// position. Returns ErrNotFound if the tanda does not exist.
func GetTanda(ctx context.Context, db *gorm.DB, id string) (*domain.Tanda, error) {
	var t domain.Tanda
	err := db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("position asc")
		}).
		Where("id = ?", id).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTandaByInviteCode fetches a tanda by its invite code, participants
// ordered by position. Returns ErrNotFound for unknown codes.
func GetTandaByInviteCode(ctx context.Context, db *gorm.DB, code string) (*domain.Tanda, error) {
	var t domain.Tanda
	err := db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("position asc")
		}).
		Where("invite_code = ?", code).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTanda persists the tanda row and all of its participants in one
// transaction. It is the atomic "put" used after the services layer has
// mutated the aggregate under the per-tanda lock.
func SaveTanda(ctx context.Context, db *gorm.DB, t *domain.Tanda) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Participants").Save(t).Error; err != nil {
			return err
		}
		for i := range t.Participants {
			if err := tx.Save(&t.Participants[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AddParticipant inserts a participant row. Duplicate wallet addresses or
// positions within the same tanda surface as ErrConflict.
func AddParticipant(ctx context.Context, db *gorm.DB, p *domain.Participant) error {
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// ListParticipantTandas returns all tandas in which the given wallet is
// enrolled, participants preloaded and ordered by position.
func ListParticipantTandas(ctx context.Context, db *gorm.DB, wallet string) ([]domain.Tanda, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("wallet_address = ?", wallet).
		Order("joined_at asc").
		Pluck("tanda_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Tanda{}, nil
	}

	var out []domain.Tanda
	err = db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("position asc")
		}).
		Where("id IN ?", ids).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// isUniqueViolation detects unique-constraint errors across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
