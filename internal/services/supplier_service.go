// Package services – SupplierService
//
// SupplierService finds contactable suppliers through the listing service
// and merges them into the directory. A search runs up to MaxRounds rounds,
// each broadening the query with a suffix. Inside a round the query falls back
// from the city-scoped call to an unscoped one and finally to the raw
// transport. Listings with a place id are enriched from their details payload.
// The first round that yields a listing with a phone, website or e-mail wins.
//
// Finding nothing is a normal outcome and returns an empty slice.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/extract"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// searchSuffixes broaden the query round by round.
var searchSuffixes = []string{"", " контакты", " телефон email"}

// defaultLocation is used when the request names no city.
const defaultLocation = "Russia"

// SupplierService searches for suppliers and serves the directory.
type SupplierService struct {
	DB       *gorm.DB
	Listings Listings
	// MaxRounds caps the query rounds; it is clamped to the suffix list.
	MaxRounds int
	Log       *zerolog.Logger
}

type candidate struct {
	listing.Listing
	Messaging string
}

func (c candidate) hasContacts() bool {
	return c.Phone != "" || c.Website != "" || c.Email != ""
}

func (s *SupplierService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

func (s *SupplierService) rounds() int {
	n := s.MaxRounds
	if n <= 0 {
		n = 2
	}
	if n > len(searchSuffixes) {
		n = len(searchSuffixes)
	}
	return n
}

// Search returns the directory suppliers matching term in city. Listing
// failures are logged and treated as empty rounds; only persistence errors
// are returned.
func (s *SupplierService) Search(ctx context.Context, term, city string) ([]domain.Supplier, error) {
	tr := otel.Tracer("services/SupplierService")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("term", term),
			attribute.String("city", city),
		),
	)
	defer span.End()

	term = strings.TrimSpace(term)
	city = strings.TrimSpace(city)
	if term == "" || s.Listings == nil {
		return []domain.Supplier{}, nil
	}
	location := city
	if location == "" {
		location = defaultLocation
	}

	for i := 0; i < s.rounds(); i++ {
		q := term + searchSuffixes[i]
		found := s.fetch(ctx, q, location, city != "")
		s.enrich(ctx, found)

		qualifying := make([]candidate, 0, len(found))
		for _, c := range found {
			if c.hasContacts() {
				qualifying = append(qualifying, c)
			}
		}
		if len(qualifying) > 0 {
			searchRounds.WithLabelValues("found").Inc()
			span.SetAttributes(attribute.Int("rounds", i+1), attribute.Int("results", len(qualifying)))
			return s.persist(ctx, term, city, qualifying)
		}
		searchRounds.WithLabelValues("empty").Inc()
		s.logger().Info().Str("query", q).Str("location", location).Msg("no contactable listings")
	}
	return []domain.Supplier{}, nil
}

// fetch runs one round: scoped, then unscoped when a city was given, then raw.
func (s *SupplierService) fetch(ctx context.Context, q, location string, scoped bool) []candidate {
	lg := s.logger()
	results, err := s.Listings.Search(ctx, q, location)
	if err != nil {
		searchRounds.WithLabelValues("error").Inc()
		lg.Warn().Err(err).Str("query", q).Str("location", location).Msg("listing search failed")
	}
	if len(results) == 0 && scoped {
		results, err = s.Listings.Search(ctx, q, "")
		if err != nil {
			lg.Warn().Err(err).Str("query", q).Msg("unscoped listing search failed")
		}
	}
	if len(results) == 0 {
		results, err = s.Listings.RawSearch(ctx, q, location)
		if err != nil {
			lg.Warn().Err(err).Str("query", q).Msg("raw listing search failed")
		}
	}
	out := make([]candidate, 0, len(results))
	for _, l := range results {
		out = append(out, candidate{Listing: l})
	}
	return out
}

// enrich fills empty phone and e-mail fields from each listing's details.
func (s *SupplierService) enrich(ctx context.Context, cands []candidate) {
	for i := range cands {
		c := &cands[i]
		if c.PlaceID == "" {
			continue
		}
		blob, err := s.Listings.Details(ctx, c.PlaceID)
		if err != nil {
			s.logger().Warn().Err(err).Str("place_id", c.PlaceID).Msg("listing details failed")
			continue
		}
		found := extract.FromText(string(blob))
		if c.Phone == "" {
			c.Phone = found.Phone
		}
		if c.Email == "" {
			c.Email = found.Email
		}
		if c.Messaging == "" {
			c.Messaging = found.Messaging
		}
	}
}

// persist upserts candidates on (name, category, city) with category = term.
// Existing rows only have their empty contact fields filled.
func (s *SupplierService) persist(ctx context.Context, term, city string, cands []candidate) ([]domain.Supplier, error) {
	out := make([]domain.Supplier, 0, len(cands))
	seen := make(map[string]struct{}, len(cands))
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range cands {
			name := strings.TrimSpace(c.Title)
			if name == "" {
				continue
			}
			contacts := repo.SupplierContacts{
				Address:   c.Address,
				Phone:     extract.NormalizePhone(c.Phone),
				Email:     strings.ToLower(strings.TrimSpace(c.Email)),
				Website:   c.Website,
				Messaging: extract.NormalizePhone(c.Messaging),
			}
			sup, err := repo.FindSupplierByKey(ctx, tx, name, term, city)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				if sup, err = repo.CreateSupplier(ctx, tx, name, term, city, term, contacts); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if sup, err = repo.FillSupplierGaps(ctx, tx, sup.ID, contacts); err != nil {
					return err
				}
			}
			if _, dup := seen[sup.ID]; dup {
				continue
			}
			seen[sup.ID] = struct{}{}
			out = append(out, *sup)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one supplier.
func (s *SupplierService) Get(ctx context.Context, id string) (*domain.Supplier, error) {
	sup, err := repo.GetSupplier(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSupplierNotFound
		}
		return nil, err
	}
	return sup, nil
}

// ListPage returns a page of the directory and the total count.
func (s *SupplierService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Supplier, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountSuppliers(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Supplier{}, 0, nil
	}
	items, err := repo.ListSuppliersPage(ctx, s.DB, (page-1)*pageSize, pageSize)
	return items, total, err
}
