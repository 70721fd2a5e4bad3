package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// CreateManagerAction appends an audit entry for a human decision.
func CreateManagerAction(ctx context.Context, db *gorm.DB, applicationID, action, notes string) (*domain.ManagerAction, error) {
	a := &domain.ManagerAction{
		ID:            uuid.NewString(),
		ApplicationID: applicationID,
		Action:        action,
		Notes:         notes,
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Application").Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetManagerAction fetches one audit entry, or ErrNotFound.
func GetManagerAction(ctx context.Context, db *gorm.DB, id string) (*domain.ManagerAction, error) {
	var a domain.ManagerAction
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListManagerActions returns the audit log of an application, oldest first.
func ListManagerActions(ctx context.Context, db *gorm.DB, applicationID string) ([]domain.ManagerAction, error) {
	var out []domain.ManagerAction
	err := db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
