package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-procurement-bot/internal/config"
	"github.com/tbourn/go-procurement-bot/internal/crm"
	"github.com/tbourn/go-procurement-bot/internal/invoice"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/llm"
	"github.com/tbourn/go-procurement-bot/internal/mail"
	"github.com/tbourn/go-procurement-bot/internal/repo"
	"github.com/tbourn/go-procurement-bot/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func offlineConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		OfflineMode:    true,
		Workflow: config.WorkflowConfig{
			SearchMaxRounds: 2,
			IntakeMaxRounds: 8,
			InvoiceDir:      filepath.Join(t.TempDir(), "invoices"),
			InvoiceCurrency: "RUB",
		},
		// Credentials are ignored offline.
		SMTP: mail.SMTPConfig{Host: "smtp.example.ru", From: "bot@example.ru"},
		IMAP: mail.IMAPConfig{Host: "imap.example.ru"},
	}
}

func TestBuild_OfflineUsesStandIns(t *testing.T) {
	nop := zerolog.Nop()
	db := newTestDB(t)
	cfg := offlineConfig(t)

	a, err := Build(context.Background(), cfg, db, &nop)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := a.Intake.Conv.Gen.(llm.Offline); !ok {
		t.Fatalf("generator = %T, want llm.Offline", a.Intake.Conv.Gen)
	}
	if _, ok := a.Suppliers.Listings.(listing.Offline); !ok {
		t.Fatalf("listings = %T, want listing.Offline", a.Suppliers.Listings)
	}
	if _, ok := a.Apps.CRM.(crm.Noop); !ok {
		t.Fatalf("crm = %T, want crm.Noop", a.Apps.CRM)
	}
	if _, ok := a.Negotiator.Mail.(*logTransport); !ok {
		t.Fatalf("mail = %T, want *logTransport", a.Negotiator.Mail)
	}
	if ds, ok := a.Manager.Invoices.Store.(invoice.DirStore); !ok || ds.Dir != cfg.Workflow.InvoiceDir {
		t.Fatalf("store = %#v", a.Manager.Invoices.Store)
	}
	if a.Correlator != nil {
		t.Fatal("no correlator expected offline")
	}
	if a.Intake.Conv.Persona == "" || a.Negotiator.Conv.Persona == "" {
		t.Fatal("personas must come from the default prompt set")
	}

	d := a.HandlerDeps(db)
	if d.Poller != nil {
		t.Fatal("poller must be a nil interface without a correlator")
	}
	if d.Intake == nil || d.Apps == nil || d.Manager == nil || d.Suppliers == nil || d.Versions == nil {
		t.Fatalf("incomplete deps: %+v", d)
	}
}

func TestBuild_OnlineWiresIntegrations(t *testing.T) {
	nop := zerolog.Nop()
	db := newTestDB(t)
	cfg := offlineConfig(t)
	cfg.OfflineMode = false
	cfg.OpenAI = llm.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini"}
	cfg.SerpAPI = listing.Config{APIKey: "serp", RPS: 1, Burst: 1}
	cfg.AMO = crm.Config{BaseURL: "https://example.amocrm.ru", Token: "amo", PipelineID: 1, StatusNew: 10}

	a, err := Build(context.Background(), cfg, db, &nop)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := a.Intake.Conv.Gen.(*llm.OpenAI); !ok {
		t.Fatalf("generator = %T", a.Intake.Conv.Gen)
	}
	if _, ok := a.Suppliers.Listings.(*listing.Client); !ok {
		t.Fatalf("listings = %T", a.Suppliers.Listings)
	}
	if _, ok := a.Apps.CRM.(*crm.Client); !ok {
		t.Fatalf("crm = %T", a.Apps.CRM)
	}
	if _, ok := a.Negotiator.Mail.(*mail.SMTP); !ok || a.Negotiator.From != "bot@example.ru" {
		t.Fatalf("mail = %T from %q", a.Negotiator.Mail, a.Negotiator.From)
	}
	if a.Correlator == nil || a.HandlerDeps(db).Poller == nil {
		t.Fatal("correlator expected with an IMAP host")
	}
}

func TestBuild_BadPromptsPath(t *testing.T) {
	nop := zerolog.Nop()
	cfg := offlineConfig(t)
	cfg.Workflow.PromptsPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Build(context.Background(), cfg, newTestDB(t), &nop); err == nil || !strings.Contains(err.Error(), "prompts") {
		t.Fatalf("expected prompts error, got %v", err)
	}
}

func TestOfflineIntakeRecordsApplication(t *testing.T) {
	nop := zerolog.Nop()
	db := newTestDB(t)
	a, err := Build(context.Background(), offlineConfig(t), db, &nop)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := a.Intake.Handle(context.Background(), services.RequesterIdentity{ExternalID: "tg-1", Username: "anna"}, "Нужен бетон М300")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Application == nil || res.Reply == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLogTransport(t *testing.T) {
	nop := zerolog.Nop()
	tr := &logTransport{log: &nop}
	if err := tr.Send(context.Background(), "", "s", "b"); err != mail.ErrNoRecipient {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
	if err := tr.Send(context.Background(), "a@b.ru", "s", "b"); err != nil {
		t.Fatal(err)
	}
}
