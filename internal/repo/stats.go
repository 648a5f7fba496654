// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
)

// ParticipantTandasStats returns aggregate metadata for the tandas a wallet
// belongs to: the number of memberships and the greatest UpdatedAt among
// those tandas. When the wallet belongs to no tanda, count is 0 and
// maxUpdatedAt is nil.
func ParticipantTandasStats(ctx context.Context, db *gorm.DB, wallet string) (count int64, maxUpdatedAt *time.Time, err error) {
	memberships := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("wallet_address = ?", wallet)

	if err = memberships.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Latest updated_at among the member tandas (avoid MAX() -> TEXT in SQLite).
	var row struct {
		UpdatedAt time.Time
	}
	err = db.WithContext(ctx).
		Model(&domain.Tanda{}).
		Where("id IN (?)", db.Model(&domain.Participant{}).
			Select("tanda_id").
			Where("wallet_address = ?", wallet)).
		Select("updated_at").
		Order("updated_at DESC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// TandaPaymentsStats returns the number of payments recorded for a tanda
// and the greatest UpdatedAt among them; nil when the tanda has none.
func TandaPaymentsStats(ctx context.Context, db *gorm.DB, tandaID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Payment{}).Where("tanda_id = ?", tandaID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
