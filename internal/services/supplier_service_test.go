package services

import (
	"context"
	"testing"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

func TestSearch_NoContactableListings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.listings.search["бетон|Уфа"] = []listing.Listing{{Title: "Бетонный завод", Address: "Уфа"}}
	app := h.application(t, domain.StatusSearching, nil)

	got, err := h.suppliers.Search(ctx, "бетон", "Уфа")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
	if n, _ := repo.CountSuppliers(ctx, h.db); n != 0 {
		t.Fatalf("nothing should be stored, got %d", n)
	}
	after := h.reload(t, app.ID)
	if after.Status != domain.StatusSearching || after.SupplierID != nil {
		t.Fatalf("application must stay untouched: %+v", after)
	}
	// Round one stops at the scoped call, which returned a listing; the
	// other two rounds fall through scoped, unscoped and raw.
	if len(h.listings.calls) != 7 {
		t.Fatalf("calls = %v", h.listings.calls)
	}
}

func TestSearch_FallbackOrderAndRoundCap(t *testing.T) {
	h := newHarness(t)
	h.suppliers.MaxRounds = 2
	h.listings.raw["бетон контакты"] = []listing.Listing{{Title: "ООО Смесь", Phone: "+7 (347) 200-00-00"}}

	got, err := h.suppliers.Search(context.Background(), "бетон", "Уфа")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Name != "ООО Смесь" {
		t.Fatalf("unexpected result: %+v", got)
	}
	want := []string{
		"search:бетон|Уфа", "search:бетон|", "raw:бетон|Уфа",
		"search:бетон контакты|Уфа", "search:бетон контакты|", "raw:бетон контакты|Уфа",
	}
	if len(h.listings.calls) != len(want) {
		t.Fatalf("calls = %v", h.listings.calls)
	}
	for i := range want {
		if h.listings.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, h.listings.calls[i], want[i])
		}
	}
	if got[0].Phone == nil || *got[0].Phone != "+73472000000" {
		t.Fatalf("phone not normalized: %v", got[0].Phone)
	}
}

func TestSearch_NoCityUsesDefaultLocation(t *testing.T) {
	h := newHarness(t)
	h.listings.search["бетон|Russia"] = []listing.Listing{{Title: "A", Website: "https://a.example"}}

	got, err := h.suppliers.Search(context.Background(), "бетон", "")
	if err != nil || len(got) != 1 {
		t.Fatalf("Search: %v %+v", err, got)
	}
	if h.listings.calls[0] != "search:бетон|Russia" {
		t.Fatalf("first call = %q", h.listings.calls[0])
	}
}

func TestSearch_EnrichesFromDetails(t *testing.T) {
	h := newHarness(t)
	h.listings.search["бетон|Уфа"] = []listing.Listing{{PlaceID: "p1", Title: "ООО Бетон"}}
	h.listings.details["p1"] = `{"phone":"+7 917 111-22-33","note":"пишите sales@beton.example, есть WhatsApp"}`

	got, err := h.suppliers.Search(context.Background(), "бетон", "Уфа")
	if err != nil || len(got) != 1 {
		t.Fatalf("Search: %v %+v", err, got)
	}
	s := got[0]
	if s.Email == nil || *s.Email != "sales@beton.example" {
		t.Fatalf("email = %v", s.Email)
	}
	if s.Messaging == nil || *s.Messaging != "+79171112233" {
		t.Fatalf("messaging = %v", s.Messaging)
	}
	if s.Category != "бетон" || s.City != "Уфа" || s.SourceQuery != "бетон" {
		t.Fatalf("key fields = %+v", s)
	}
}

func TestSearch_UpsertIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.listings.search["бетон|Уфа"] = []listing.Listing{
		{Title: "ООО Бетон", Phone: "+7 917 000-00-00", Address: "ул. Заводская 1"},
	}

	first, err := h.suppliers.Search(ctx, "бетон", "Уфа")
	if err != nil || len(first) != 1 {
		t.Fatalf("first Search: %v %+v", err, first)
	}

	// Same listing again, plus a new website and a different phone.
	h.listings.search["бетон|Уфа"] = []listing.Listing{
		{Title: "ООО Бетон", Phone: "+7 999 999-99-99", Website: "https://beton.example"},
	}
	second, err := h.suppliers.Search(ctx, "бетон", "Уфа")
	if err != nil || len(second) != 1 {
		t.Fatalf("second Search: %v %+v", err, second)
	}
	if second[0].ID != first[0].ID {
		t.Fatal("expected the same supplier row")
	}
	if n, _ := repo.CountSuppliers(ctx, h.db); n != 1 {
		t.Fatalf("suppliers = %d, want 1", n)
	}
	s := second[0]
	if *s.Phone != "+79170000000" || *s.Address != "ул. Заводская 1" {
		t.Fatalf("existing fields regressed: phone=%v address=%v", *s.Phone, *s.Address)
	}
	if s.Website == nil || *s.Website != "https://beton.example" {
		t.Fatalf("empty field should be filled: %v", s.Website)
	}
}

func TestSupplierService_ListAndGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	items, total, err := h.suppliers.ListPage(ctx, 0, 0)
	if err != nil || total != 0 || items == nil {
		t.Fatalf("empty list: %v %d %#v", err, total, items)
	}
	s := h.supplier(t, "ООО Бетон", "b@example.com")
	items, total, err = h.suppliers.ListPage(ctx, 1, 10)
	if err != nil || total != 1 || len(items) != 1 {
		t.Fatalf("list: %v %d %+v", err, total, items)
	}
	if _, err := h.suppliers.Get(ctx, s.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := h.suppliers.Get(ctx, "missing"); err != ErrSupplierNotFound {
		t.Fatalf("expected ErrSupplierNotFound, got %v", err)
	}
}
