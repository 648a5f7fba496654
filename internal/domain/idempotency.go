// Package domain defines the core persistence models for the application.
package domain

import "time"

// Idempotency records the outcome of a previously processed contribution
// request, keyed by (wallet_address, tanda_id, key). It lets clients retry
// POST requests safely: a replay returns the originally produced payment
// without moving funds again.
type Idempotency struct {
	ID            string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	WalletAddress string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_wallet_tanda_key,priority:1"`
	TandaID       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_wallet_tanda_key,priority:2"`
	Key           string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_wallet_tanda_key,priority:3"`
	PaymentID     string    `gorm:"type:TEXT NOT NULL"`
	Status        int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt     time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt     time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
