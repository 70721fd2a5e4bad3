package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/invoice"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// InvoiceService produces the single invoice of an agreed negotiation.
type InvoiceService struct {
	DB       *gorm.DB
	Store    invoice.Store
	Notifier Notifier
	Currency string
	Log      *zerolog.Logger
	Now      func() time.Time
}

func (s *InvoiceService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

func (s *InvoiceService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Trigger creates the invoice for app, renders and stores the document and
// notifies the requester. A second call returns the existing invoice without
// rendering or notifying again. Store and notification failures are logged;
// the invoice row is kept.
func (s *InvoiceService) Trigger(ctx context.Context, app *domain.Application, amount float64) (*domain.Invoice, error) {
	if app.SupplierID == nil {
		return nil, ErrNoSupplier
	}
	inv, created, err := repo.CreateInvoice(ctx, s.DB, app.ID, *app.SupplierID, amount, s.Currency, "")
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	if !created {
		return inv, nil
	}

	supplierName := ""
	if app.Supplier != nil {
		supplierName = app.Supplier.Name
	} else if sup, err := repo.GetSupplier(ctx, s.DB, *app.SupplierID); err == nil {
		supplierName = sup.Name
	}
	doc := invoice.Document{
		Number:   inv.Number,
		Date:     s.now(),
		Supplier: supplierName,
		Buyer:    app.Requester.DisplayName(),
		Subject:  app.SearchTerm,
		Amount:   inv.Amount,
		Currency: inv.Currency,
	}

	lg := s.logger().With().Str("application_id", app.ID).Str("invoice", inv.Number).Logger()
	var handle *string
	if s.Store != nil {
		h, err := s.Store.Put(ctx, doc.FileName(), invoice.Render(doc))
		if err != nil {
			lg.Error().Err(err).Msg("invoice document store failed")
		} else if err := repo.SetInvoiceDocument(ctx, s.DB, inv.ID, h); err != nil {
			lg.Error().Err(err).Msg("record invoice document failed")
		} else {
			inv.Document = h
			handle = &h
		}
	}
	lg.Info().Float64("amount", inv.Amount).Msg("invoice created")

	if s.Notifier != nil {
		text := fmt.Sprintf("Счёт № %s по заявке #%s сформирован.", inv.Number, app.ID)
		if err := s.Notifier.NotifyRequester(ctx, app.Requester, text, handle); err != nil {
			lg.Warn().Err(err).Msg("notify requester about invoice failed")
		}
	}
	return inv, nil
}

var amountRe = regexp.MustCompile(`\d{1,3}(?:[ \x{00A0}]\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?`)

// AmountFromSummary returns the largest number in a negotiation summary, or 0.
func AmountFromSummary(summary string) float64 {
	best := 0.0
	for _, m := range amountRe.FindAllString(summary, -1) {
		m = strings.NewReplacer(" ", "", "\u00a0", "", ",", ".").Replace(m)
		if v, err := strconv.ParseFloat(m, 64); err == nil && v > best {
			best = v
		}
	}
	return best
}
