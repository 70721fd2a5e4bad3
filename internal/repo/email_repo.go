// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// negotiation transcript.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// NewEmail describes a transcript entry to append.
type NewEmail struct {
	ApplicationID string
	Direction     string
	ToAddress     string
	Subject       string
	Body          string
	MessageID     string
	SendError     error
}

// AppendEmail writes one immutable transcript row, assigning the next
// per-application sequence number. There is intentionally no update or
// delete counterpart.
func AppendEmail(ctx context.Context, db *gorm.DB, e NewEmail) (*domain.EmailRecord, error) {
	rec := &domain.EmailRecord{
		ID:            uuid.NewString(),
		ApplicationID: e.ApplicationID,
		Direction:     e.Direction,
		ToAddress:     e.ToAddress,
		Subject:       e.Subject,
		Body:          e.Body,
		MessageID:     e.MessageID,
		CreatedAt:     time.Now().UTC(),
	}
	if e.SendError != nil {
		msg := e.SendError.Error()
		rec.SendError = &msg
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&domain.EmailRecord{}).
			Where("application_id = ?", e.ApplicationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		rec.Seq = last + 1
		return tx.Omit("Application").Create(rec).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListEmails returns the full transcript ordered (CreatedAt ASC, Seq ASC).
func ListEmails(ctx context.Context, db *gorm.DB, applicationID string) ([]domain.EmailRecord, error) {
	var out []domain.EmailRecord
	err := db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at ASC, seq ASC").
		Find(&out).Error
	return out, err
}

// CountEmails returns the number of transcript rows for applicationID,
// optionally restricted to one direction.
func CountEmails(ctx context.Context, db *gorm.DB, applicationID, direction string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.EmailRecord{}).Where("application_id = ?", applicationID)
	if direction != "" {
		q = q.Where("direction = ?", direction)
	}
	err := q.Count(&total).Error
	return total, err
}

// HasInboundMessage reports whether an inbound row with messageID is already
// part of the transcript. An empty messageID never matches.
func HasInboundMessage(ctx context.Context, db *gorm.DB, applicationID, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.EmailRecord{}).
		Where("application_id = ? AND direction = ? AND message_id = ?", applicationID, domain.DirectionIn, messageID).
		Count(&n).Error
	return n > 0, err
}
