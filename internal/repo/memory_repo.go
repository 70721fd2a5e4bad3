package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// AppendTurn stores one conversation turn under key.
func AppendTurn(ctx context.Context, db *gorm.DB, key, role, content string) (*domain.ConversationTurn, error) {
	t := &domain.ConversationTurn{
		ID:        uuid.NewString(),
		Key:       key,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// ListTurns returns the turns stored under key in insertion order. When
// limit > 0 only the most recent limit turns are returned (still oldest first).
func ListTurns(ctx context.Context, db *gorm.DB, key string, limit int) ([]domain.ConversationTurn, error) {
	var out []domain.ConversationTurn
	q := db.WithContext(ctx).Where("key = ?", key).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountTurns returns how many turns with the given role are stored under key.
// An empty role counts all turns.
func CountTurns(ctx context.Context, db *gorm.DB, key, role string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.ConversationTurn{}).Where("key = ?", key)
	if role != "" {
		q = q.Where("role = ?", role)
	}
	err := q.Count(&total).Error
	return total, err
}
