package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

// CreateInvoice inserts the invoice of an application. Each application owns
// at most one invoice: when a row already exists it is returned together with
// created=false and nothing is written.
func CreateInvoice(ctx context.Context, db *gorm.DB, applicationID, supplierID string, amount float64, currency, document string) (inv *domain.Invoice, created bool, err error) {
	if existing, err := GetInvoiceByApplication(ctx, db, applicationID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if currency == "" {
		currency = "RUB"
	}
	inv = &domain.Invoice{
		ID:            uuid.NewString(),
		Number:        ulid.Make().String(),
		ApplicationID: applicationID,
		SupplierID:    supplierID,
		Amount:        amount,
		Currency:      currency,
		Document:      document,
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Supplier").Create(inv).Error; err != nil {
		if isUniqueViolation(err) {
			existing, gerr := GetInvoiceByApplication(ctx, db, applicationID)
			return existing, false, gerr
		}
		return nil, false, err
	}
	return inv, true, nil
}

// GetInvoiceByApplication returns the invoice of applicationID, or ErrNotFound.
func GetInvoiceByApplication(ctx context.Context, db *gorm.DB, applicationID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	if err := db.WithContext(ctx).Where("application_id = ?", applicationID).First(&inv).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

// SetInvoiceDocument records where the rendered document was stored.
func SetInvoiceDocument(ctx context.Context, db *gorm.DB, id, document string) error {
	res := db.WithContext(ctx).Model(&domain.Invoice{}).Where("id = ?", id).Update("document", document)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}
