package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// Notification audiences.
const (
	AudienceRequester = "requester"
	AudienceManager   = "manager"
)

// CreateNotification stores an outgoing message in the outbox. requesterID
// is nil for manager notifications.
func CreateNotification(ctx context.Context, db *gorm.DB, audience string, requesterID *string, text string, attachment *string) (*domain.Notification, error) {
	n := &domain.Notification{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Audience:    audience,
		Text:        text,
		Attachment:  attachment,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, err
	}
	return n, nil
}

// ListNotificationsForRequester returns the requester's outbox, oldest first.
func ListNotificationsForRequester(ctx context.Context, db *gorm.DB, requesterID string, offset, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	err := db.WithContext(ctx).
		Where("audience = ? AND requester_id = ?", AudienceRequester, requesterID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountNotificationsForRequester returns the size of the requester's outbox.
func CountNotificationsForRequester(ctx context.Context, db *gorm.DB, requesterID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("audience = ? AND requester_id = ?", AudienceRequester, requesterID).
		Count(&total).Error
	return total, err
}

// ListManagerNotifications returns manager desk notifications, newest first.
func ListManagerNotifications(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	err := db.WithContext(ctx).
		Where("audience = ?", AudienceManager).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
