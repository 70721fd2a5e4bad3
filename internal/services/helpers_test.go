package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/llm"
	"github.com/tbourn/go-procurement-bot/internal/mail"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// ----- DB -----

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// ----- Fakes -----

// fakeGen replays scripted replies in order and records every request.
type fakeGen struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   []llm.Request
}

func (g *fakeGen) Complete(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", errors.New("fakeGen: no scripted reply")
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r, nil
}

func (g *fakeGen) script(replies ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, replies...)
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type sentMail struct{ to, subject, body string }

// fakeMail behaves like the SMTP transport: an empty recipient fails.
type fakeMail struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMail) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to == "" {
		return mail.ErrNoRecipient
	}
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

type fakeInbox struct {
	mu   sync.Mutex
	msgs []mail.Message
	seen map[uint32]bool
	err  error
}

func (b *fakeInbox) ListUnread(context.Context) ([]mail.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var out []mail.Message
	for _, m := range b.msgs {
		if !b.seen[m.UID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *fakeInbox) MarkSeen(_ context.Context, uid uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen == nil {
		b.seen = map[uint32]bool{}
	}
	b.seen[uid] = true
	return nil
}

func (b *fakeInbox) isSeen(uid uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen[uid]
}

type fakeCRM struct {
	mu        sync.Mutex
	nextID    int64
	leads     []string
	synced    []domain.Status
	createErr error
	syncErr   error
}

func (c *fakeCRM) CreateLead(_ context.Context, app *domain.Application, _ *domain.Buyer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return 0, c.createErr
	}
	c.nextID++
	c.leads = append(c.leads, app.ID)
	return 1000 + c.nextID, nil
}

func (c *fakeCRM) SyncStatus(_ context.Context, _ int64, status domain.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = append(c.synced, status)
	return c.syncErr
}

type sentNote struct {
	requesterID string
	text        string
	attachment  *string
}

type fakeNotifier struct {
	mu        sync.Mutex
	requester []sentNote
	manager   []string
}

func (n *fakeNotifier) NotifyRequester(_ context.Context, r domain.Requester, text string, attachment *string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requester = append(n.requester, sentNote{r.ID, text, attachment})
	return nil
}

func (n *fakeNotifier) NotifyManager(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.manager = append(n.manager, text)
	return nil
}

// fakeListings answers Search by "query|location" and RawSearch by query.
type fakeListings struct {
	mu      sync.Mutex
	search  map[string][]listing.Listing
	raw     map[string][]listing.Listing
	details map[string]string
	calls   []string
}

func (l *fakeListings) Search(_ context.Context, query, location string) ([]listing.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "search:"+query+"|"+location)
	return l.search[query+"|"+location], nil
}

func (l *fakeListings) RawSearch(_ context.Context, query, location string) ([]listing.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "raw:"+query+"|"+location)
	return l.raw[query], nil
}

func (l *fakeListings) Details(_ context.Context, placeID string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.details[placeID]
	if !ok {
		return nil, errors.New("no details")
	}
	return []byte(d), nil
}

type memStore struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (s *memStore) Put(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = map[string][]byte{}
	}
	s.puts[name] = data
	return "mem://" + name, nil
}

// ----- Harness -----

type harness struct {
	db        *gorm.DB
	intakeGen *fakeGen
	negGen    *fakeGen
	mail      *fakeMail
	inbox     *fakeInbox
	crm       *fakeCRM
	notes     *fakeNotifier
	listings  *fakeListings
	store     *memStore

	apps       *ApplicationService
	suppliers  *SupplierService
	invoices   *InvoiceService
	negotiator *Negotiator
	intake     *IntakeService
	manager    *ManagerService
	correlator *Correlator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	nop := zerolog.Nop()
	h := &harness{
		db:        newTestDB(t),
		intakeGen: &fakeGen{},
		negGen:    &fakeGen{},
		mail:      &fakeMail{},
		inbox:     &fakeInbox{},
		crm:       &fakeCRM{},
		notes:     &fakeNotifier{},
		listings:  &fakeListings{search: map[string][]listing.Listing{}, raw: map[string][]listing.Listing{}, details: map[string]string{}},
		store:     &memStore{},
	}
	mem := &DBMemory{DB: h.db}

	h.apps = NewApplicationService(h.db, h.crm, nil)
	h.apps.Log = &nop
	h.suppliers = &SupplierService{DB: h.db, Listings: h.listings, MaxRounds: 3, Log: &nop}
	h.invoices = &InvoiceService{
		DB: h.db, Store: h.store, Notifier: h.notes, Currency: "RUB", Log: &nop,
		Now: func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) },
	}
	h.negotiator = &Negotiator{
		Apps:     h.apps,
		Conv:     &llm.Conversation{Gen: h.negGen, Mem: mem, Persona: "negotiator"},
		Mail:     h.mail,
		From:     "bot@example.com",
		Notifier: h.notes,
		Invoices: h.invoices,
		Log:      &nop,
	}
	h.intake = &IntakeService{
		Apps:      h.apps,
		Suppliers: h.suppliers,
		Conv:      &llm.Conversation{Gen: h.intakeGen, Mem: mem, Persona: "intake"},
		Notifier:  h.notes,
		MaxRounds: 3,
		Log:       &nop,
	}
	h.manager = &ManagerService{
		Apps: h.apps, Negotiator: h.negotiator, Invoices: h.invoices, Notifier: h.notes, Log: &nop,
	}
	h.correlator = &Correlator{DB: h.db, Inbox: h.inbox, Handler: h.negotiator, Log: &nop}
	return h
}

func (h *harness) supplier(t *testing.T, name, email string) *domain.Supplier {
	t.Helper()
	s, err := repo.CreateSupplier(context.Background(), h.db, name, "бетон", "Уфа", "бетон", repo.SupplierContacts{
		Phone: "+79170000000",
		Email: email,
	})
	if err != nil {
		t.Fatalf("CreateSupplier: %v", err)
	}
	return s
}

// application creates an application in status with sup assigned. The
// status is written directly; it is test setup, not a transition.
func (h *harness) application(t *testing.T, status domain.Status, sup *domain.Supplier) *domain.Application {
	t.Helper()
	ctx := context.Background()
	r, err := repo.UpsertRequester(ctx, h.db, "tg-"+uuid.NewString()[:8], "ivan", "Иван Петров")
	if err != nil {
		t.Fatalf("UpsertRequester: %v", err)
	}
	a, err := repo.CreateApplication(ctx, h.db, r.ID)
	if err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	if err := repo.SetApplicationDetails(ctx, h.db, a.ID, map[string]any{
		"product": "бетон М400", "city": "Уфа", "address": "ул. Омская 64", "volume": "20 м³",
	}, "бетон М400 Уфа"); err != nil {
		t.Fatalf("SetApplicationDetails: %v", err)
	}
	if sup != nil {
		if err := repo.SetApplicationSupplier(ctx, h.db, a.ID, sup.ID); err != nil {
			t.Fatalf("SetApplicationSupplier: %v", err)
		}
	}
	h.forceStatus(t, a.ID, status)
	return h.reload(t, a.ID)
}

func (h *harness) forceStatus(t *testing.T, id string, s domain.Status) {
	t.Helper()
	if err := h.db.Model(&domain.Application{}).Where("id = ?", id).Update("status", s).Error; err != nil {
		t.Fatalf("force status: %v", err)
	}
}

func (h *harness) reload(t *testing.T, id string) *domain.Application {
	t.Helper()
	a, err := repo.GetApplication(context.Background(), h.db, id)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	return a
}

func (h *harness) emails(t *testing.T, appID string) []domain.EmailRecord {
	t.Helper()
	rows, err := repo.ListEmails(context.Background(), h.db, appID)
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	return rows
}

func (h *harness) invoiceCount(t *testing.T, appID string) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(&domain.Invoice{}).Where("application_id = ?", appID).Count(&n).Error; err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	return n
}
