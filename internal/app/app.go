// Package app assembles the procurement services from configuration. Every
// integration falls back to a local stand-in when OFFLINE_MODE is set or its
// credentials are absent, so the same wiring serves production and local runs.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/config"
	"github.com/tbourn/go-procurement-bot/internal/crm"
	"github.com/tbourn/go-procurement-bot/internal/http/handlers"
	"github.com/tbourn/go-procurement-bot/internal/invoice"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/llm"
	"github.com/tbourn/go-procurement-bot/internal/mail"
	"github.com/tbourn/go-procurement-bot/internal/prompts"
	"github.com/tbourn/go-procurement-bot/internal/services"
)

// historyLimit bounds the turns replayed to the generator per conversation.
const historyLimit = 40

// App is the wired service graph.
type App struct {
	Apps       *services.ApplicationService
	Intake     *services.IntakeService
	Manager    *services.ManagerService
	Suppliers  *services.SupplierService
	Negotiator *services.Negotiator
	// Correlator is nil when no inbox is configured.
	Correlator *services.Correlator
}

// Build wires the services on db. It fails when a configured integration
// cannot be constructed. lg must not be nil.
func Build(ctx context.Context, cfg config.Config, db *gorm.DB, lg *zerolog.Logger) (*App, error) {
	set, err := prompts.Load(cfg.Workflow.PromptsPath)
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}
	gen, err := generator(cfg, lg)
	if err != nil {
		return nil, err
	}
	listings, err := listingClient(cfg)
	if err != nil {
		return nil, err
	}
	pipeline, err := crmClient(cfg)
	if err != nil {
		return nil, err
	}
	store, err := invoiceStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	notifier := services.Notifiers{
		&services.OutboxNotifier{DB: db},
		&services.LogNotifier{Log: lg, ManagerChatID: cfg.Workflow.ManagerChatID},
	}
	mem := &services.DBMemory{DB: db, Limit: historyLimit}

	apps := services.NewApplicationService(db, pipeline, nil)
	apps.Log = lg
	suppliers := &services.SupplierService{
		DB:        db,
		Listings:  listings,
		MaxRounds: cfg.Workflow.SearchMaxRounds,
		Log:       lg,
	}
	invoices := &services.InvoiceService{
		DB:       db,
		Store:    store,
		Notifier: notifier,
		Currency: cfg.Workflow.InvoiceCurrency,
		Log:      lg,
	}

	var transport services.MailTransport = &logTransport{log: lg}
	from := cfg.SMTP.From
	if !cfg.OfflineMode && cfg.SMTP.Host != "" {
		smtp := mail.NewSMTP(cfg.SMTP)
		transport, from = smtp, smtp.From()
	}
	negotiator := &services.Negotiator{
		Apps: apps,
		Conv: &llm.Conversation{
			Gen:         gen,
			Mem:         mem,
			Persona:     set.Negotiation.System,
			Temperature: set.Negotiation.Temperature,
		},
		Mail:     transport,
		From:     from,
		Notifier: notifier,
		Invoices: invoices,
		Log:      lg,
	}

	a := &App{
		Apps:       apps,
		Suppliers:  suppliers,
		Negotiator: negotiator,
		Intake: &services.IntakeService{
			Apps:      apps,
			Suppliers: suppliers,
			Conv: &llm.Conversation{
				Gen:         gen,
				Mem:         mem,
				Persona:     set.Intake.System,
				Temperature: set.Intake.Temperature,
			},
			Notifier:  notifier,
			MaxRounds: cfg.Workflow.IntakeMaxRounds,
			Log:       lg,
		},
		Manager: &services.ManagerService{
			Apps:           apps,
			Negotiator:     negotiator,
			Invoices:       invoices,
			Notifier:       notifier,
			IdempotencyTTL: cfg.IdempotencyTTL,
			Log:            lg,
		},
	}
	if !cfg.OfflineMode && cfg.IMAP.Host != "" {
		a.Correlator = &services.Correlator{
			DB:       db,
			Inbox:    mail.NewIMAP(cfg.IMAP, lg),
			Handler:  negotiator,
			Interval: cfg.Workflow.IMAPPollInterval,
			Log:      lg,
		}
	}
	return a, nil
}

// HandlerDeps exposes the graph to the HTTP layer.
func (a *App) HandlerDeps(db *gorm.DB) handlers.Deps {
	d := handlers.Deps{
		Intake:    a.Intake,
		Apps:      a.Apps,
		Manager:   a.Manager,
		Suppliers: a.Suppliers,
		Versions:  handlers.DBVersions{DB: db},
	}
	// Assigned only when set; a typed nil would defeat the 503 check.
	if a.Correlator != nil {
		d.Poller = a.Correlator
	}
	return d
}

func generator(cfg config.Config, lg *zerolog.Logger) (llm.Generator, error) {
	if cfg.OfflineMode || cfg.OpenAI.APIKey == "" {
		lg.Warn().Msg("text generator disabled, replies use fixed fallbacks")
		return llm.Offline{}, nil
	}
	g, err := llm.NewOpenAI(cfg.OpenAI)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return g, nil
}

func listingClient(cfg config.Config) (services.Listings, error) {
	if cfg.OfflineMode || cfg.SerpAPI.APIKey == "" {
		return listing.Offline{}, nil
	}
	c, err := listing.New(cfg.SerpAPI)
	if err != nil {
		return nil, fmt.Errorf("serpapi: %w", err)
	}
	return c, nil
}

func crmClient(cfg config.Config) (services.CRM, error) {
	if !cfg.CRMEnabled() {
		return crm.Noop{}, nil
	}
	c, err := crm.New(cfg.AMO)
	if err != nil {
		return nil, fmt.Errorf("amocrm: %w", err)
	}
	return c, nil
}

func invoiceStore(ctx context.Context, cfg config.Config) (invoice.Store, error) {
	if !cfg.MinioEnabled() {
		return invoice.DirStore{Dir: cfg.Workflow.InvoiceDir}, nil
	}
	s, err := invoice.NewMinioStore(cfg.Minio)
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("minio bucket: %w", err)
	}
	return s, nil
}

// logTransport records outgoing mail in the log instead of sending it.
type logTransport struct{ log *zerolog.Logger }

func (t *logTransport) Send(_ context.Context, to, subject, body string) error {
	if to == "" {
		return mail.ErrNoRecipient
	}
	t.log.Info().Str("to", to).Str("subject", subject).Int("body_len", len(body)).Msg("mail not sent, smtp disabled")
	return nil
}
