// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for requesters
// and buyers.
//
// Requesters are keyed by their front-end identity (ExternalID); the identity
// is immutable and only the display fields are refreshed on every contact.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// UpsertRequester returns the requester for externalID, creating it on first
// contact. Existing rows have Username and FullName refreshed when the new
// values are non-empty.
func UpsertRequester(ctx context.Context, db *gorm.DB, externalID, username, fullName string) (*domain.Requester, error) {
	var r domain.Requester
	err := db.WithContext(ctx).Where("external_id = ?", externalID).First(&r).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		now := time.Now().UTC()
		r = domain.Requester{
			ID:         uuid.NewString(),
			ExternalID: externalID,
			Username:   username,
			FullName:   fullName,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		// A concurrent first contact may race us to the unique index.
		res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&r)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return GetRequesterByExternalID(ctx, db, externalID)
		}
		return &r, nil
	case err != nil:
		return nil, err
	}

	updates := map[string]any{}
	if username != "" && username != r.Username {
		updates["username"] = username
	}
	if fullName != "" && fullName != r.FullName {
		updates["full_name"] = fullName
	}
	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		if err := db.WithContext(ctx).Model(&r).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// GetRequester fetches a requester by primary key, or ErrNotFound.
func GetRequester(ctx context.Context, db *gorm.DB, id string) (*domain.Requester, error) {
	var r domain.Requester
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRequesterByExternalID fetches a requester by front-end identity, or ErrNotFound.
func GetRequesterByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Requester, error) {
	var r domain.Requester
	if err := db.WithContext(ctx).Where("external_id = ?", externalID).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateBuyer inserts a buyer contact record.
func CreateBuyer(ctx context.Context, db *gorm.DB, name string, contactPerson, phone, email *string) (*domain.Buyer, error) {
	b := &domain.Buyer{
		ID:            uuid.NewString(),
		Name:          name,
		ContactPerson: contactPerson,
		Phone:         phone,
		Email:         email,
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(b).Error; err != nil {
		return nil, err
	}
	return b, nil
}

// GetBuyer fetches a buyer by primary key, or ErrNotFound.
func GetBuyer(ctx context.Context, db *gorm.DB, id string) (*domain.Buyer, error) {
	var b domain.Buyer
	if err := db.WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}
