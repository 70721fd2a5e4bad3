// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for applications.
//
// Status changes go through UpdateApplicationStatus only. It validates the
// edge against the domain transition table and applies a conditional update
// (WHERE status = from), so a stale caller can never skip or overwrite a
// concurrent transition.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// CreateApplication inserts a new application in StatusIntake with empty details.
func CreateApplication(ctx context.Context, db *gorm.DB, requesterID string) (*domain.Application, error) {
	now := time.Now().UTC()
	a := &domain.Application{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Details:     datatypes.JSONMap{},
		Status:      domain.StatusIntake,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Omit("Requester", "Buyer", "Supplier").Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetApplication fetches an application with its requester, buyer and
// supplier preloaded, or ErrNotFound.
func GetApplication(ctx context.Context, db *gorm.DB, id string) (*domain.Application, error) {
	var a domain.Application
	err := db.WithContext(ctx).
		Preload("Requester").
		Preload("Buyer").
		Preload("Supplier").
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateApplicationStatus moves an application from -> to.
//
// It returns an error wrapping domain.ErrInvalidTransition when the edge is
// not in the table or when the row is no longer in status from, and
// ErrNotFound when the application does not exist.
func UpdateApplicationStatus(ctx context.Context, db *gorm.DB, id string, from, to domain.Status) error {
	if err := domain.Transition(from, to); err != nil {
		return err
	}
	res := db.WithContext(ctx).
		Model(&domain.Application{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.WithContext(ctx).Model(&domain.Application{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("%w: application %s is no longer %s", domain.ErrInvalidTransition, id, from)
	}
	return nil
}

// SetApplicationDetails stores the structured intake fields and search term.
func SetApplicationDetails(ctx context.Context, db *gorm.DB, id string, details map[string]any, searchTerm string) error {
	return updateApplication(ctx, db, id, map[string]any{
		"details":     datatypes.JSONMap(details),
		"search_term": searchTerm,
	})
}

// SetApplicationSupplier assigns a supplier.
func SetApplicationSupplier(ctx context.Context, db *gorm.DB, id, supplierID string) error {
	return updateApplication(ctx, db, id, map[string]any{"supplier_id": supplierID})
}

// SetApplicationBuyer attaches a buyer.
func SetApplicationBuyer(ctx context.Context, db *gorm.DB, id, buyerID string) error {
	return updateApplication(ctx, db, id, map[string]any{"buyer_id": buyerID})
}

// SetApplicationCRMID records the external pipeline lead id.
func SetApplicationCRMID(ctx context.Context, db *gorm.DB, id string, crmID int64) error {
	return updateApplication(ctx, db, id, map[string]any{"crm_id": crmID})
}

func updateApplication(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Application{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestNegotiationForSuppliers returns the most recently created application
// referencing any of supplierIDs whose status is in the negotiation family,
// or ErrNotFound. When several qualify the newest one wins, even if an older
// negotiation with the same supplier is still open.
func LatestNegotiationForSuppliers(ctx context.Context, db *gorm.DB, supplierIDs []string) (*domain.Application, error) {
	if len(supplierIDs) == 0 {
		return nil, ErrNotFound
	}
	var a domain.Application
	err := db.WithContext(ctx).
		Where("supplier_id IN ? AND status IN ?", supplierIDs, domain.NegotiationStatuses()).
		Order("created_at DESC, id DESC").
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// LatestIntakeForRequester returns the newest application of requesterID
// still in StatusIntake, or ErrNotFound.
func LatestIntakeForRequester(ctx context.Context, db *gorm.DB, requesterID string) (*domain.Application, error) {
	var a domain.Application
	err := db.WithContext(ctx).
		Where("requester_id = ? AND status = ?", requesterID, domain.StatusIntake).
		Order("created_at DESC").
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CountApplications returns the number of applications, optionally filtered by status.
func CountApplications(ctx context.Context, db *gorm.DB, status domain.Status) (int64, error) {
	var total int64
	err := applicationsQuery(ctx, db, status).Count(&total).Error
	return total, err
}

// ListApplicationsPage returns a page of applications, newest first,
// optionally filtered by status (empty means all).
func ListApplicationsPage(ctx context.Context, db *gorm.DB, status domain.Status, offset, limit int) ([]domain.Application, error) {
	var out []domain.Application
	err := applicationsQuery(ctx, db, status).
		Preload("Supplier").
		Order("created_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListApplicationsForRequester returns all applications of a requester, newest first.
func ListApplicationsForRequester(ctx context.Context, db *gorm.DB, requesterID string) ([]domain.Application, error) {
	var out []domain.Application
	err := db.WithContext(ctx).
		Preload("Supplier").
		Where("requester_id = ?", requesterID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func applicationsQuery(ctx context.Context, db *gorm.DB, status domain.Status) *gorm.DB {
	q := db.WithContext(ctx).Model(&domain.Application{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	return q
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
