package domain

import "time"

// Idempotency records the outcome of a manager decision submitted with an
// Idempotency-Key, keyed by (application_id, key). A retried request with the
// same key is answered from this record and never re-runs the decision.
type Idempotency struct {
	ID            string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ApplicationID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_app_idem_key,priority:1"`
	Key           string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_app_idem_key,priority:2"`
	ActionID      string    `gorm:"type:TEXT NOT NULL"`
	Status        int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt     time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt     time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
