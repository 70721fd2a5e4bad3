// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the supplier
// directory.
//
// Suppliers are matched on the soft key (name, category, city). Contact
// columns are fill-only: FillSupplierGaps writes a value only where the
// column is NULL or empty, so a later merge can never regress a known field.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// SupplierContacts carries candidate values for the fill-only columns.
// Empty strings mean "unknown" and are never written.
type SupplierContacts struct {
	Address   string
	Phone     string
	Email     string
	Website   string
	Messaging string
}

func (c SupplierContacts) columns() [][2]string {
	return [][2]string{
		{"address", c.Address},
		{"phone", c.Phone},
		{"email", c.Email},
		{"website", c.Website},
		{"messaging", c.Messaging},
	}
}

// FindSupplierByKey returns the supplier matching (name, category, city), or ErrNotFound.
func FindSupplierByKey(ctx context.Context, db *gorm.DB, name, category, city string) (*domain.Supplier, error) {
	var s domain.Supplier
	err := db.WithContext(ctx).
		Where("name = ? AND category = ? AND city = ?", name, category, city).
		Order("created_at ASC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSupplier inserts a supplier with the currently known contacts and
// records sourceQuery as provenance.
func CreateSupplier(ctx context.Context, db *gorm.DB, name, category, city, sourceQuery string, c SupplierContacts) (*domain.Supplier, error) {
	now := time.Now().UTC()
	s := &domain.Supplier{
		ID:          uuid.NewString(),
		Name:        name,
		Category:    category,
		City:        city,
		Address:     optional(c.Address),
		Phone:       optional(c.Phone),
		Email:       optional(c.Email),
		Website:     optional(c.Website),
		Messaging:   optional(c.Messaging),
		SourceQuery: sourceQuery,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// FillSupplierGaps writes each non-empty candidate value into its column
// only when that column is currently NULL or empty, then returns the fresh row.
func FillSupplierGaps(ctx context.Context, db *gorm.DB, id string, c SupplierContacts) (*domain.Supplier, error) {
	now := time.Now().UTC()
	for _, kv := range c.columns() {
		col, val := kv[0], strings.TrimSpace(kv[1])
		if val == "" {
			continue
		}
		err := db.WithContext(ctx).
			Model(&domain.Supplier{}).
			Where("id = ? AND ("+col+" IS NULL OR "+col+" = '')", id).
			Updates(map[string]any{col: val, "updated_at": now}).Error
		if err != nil {
			return nil, err
		}
	}
	return GetSupplier(ctx, db, id)
}

// GetSupplier fetches a supplier by primary key, or ErrNotFound.
func GetSupplier(ctx context.Context, db *gorm.DB, id string) (*domain.Supplier, error) {
	var s domain.Supplier
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindSuppliersByEmail returns every supplier whose e-mail equals addr,
// compared case-insensitively.
func FindSuppliersByEmail(ctx context.Context, db *gorm.DB, addr string) ([]domain.Supplier, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	var out []domain.Supplier
	if addr == "" {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("LOWER(email) = ?", addr).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// CountSuppliers returns the number of suppliers in the directory.
func CountSuppliers(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Supplier{}).Count(&total).Error
	return total, err
}

// ListSuppliersPage returns a page of suppliers, newest first.
func ListSuppliersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Supplier, error) {
	var out []domain.Supplier
	err := db.WithContext(ctx).
		Order("created_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
