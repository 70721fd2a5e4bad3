// Package services – ManagerService
//
// ManagerService applies the manager's decisions to an application. A
// decision is recorded as a ManagerAction only once the application exists
// and the requested transition is allowed. Decisions carrying an
// idempotency key are answered from the stored outcome on retry; the key is
// checked and stored under the application lock.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// Manager actions.
const (
	ActionNegotiation    = "negotiation"
	ActionRequestInfo    = "request_info"
	ActionReject         = "reject"
	ActionInvoice        = "invoice"
	ActionAssignSupplier = "assign_supplier"
)

// idempotentStatus is the outcome stored with an idempotency record.
const idempotentStatus = 200

// Decision is one manager decision.
type Decision struct {
	Action         string
	Notes          string
	Amount         float64
	IdempotencyKey string
}

// DecisionResult is the outcome of Decide.
type DecisionResult struct {
	Application *domain.Application   `json:"application"`
	Action      *domain.ManagerAction `json:"action"`
	Invoice     *domain.Invoice       `json:"invoice,omitempty"`
	Replayed    bool                  `json:"replayed"`
}

// ManagerService applies manager decisions.
type ManagerService struct {
	Apps       *ApplicationService
	Negotiator *Negotiator
	Invoices   *InvoiceService
	Notifier   Notifier
	// IdempotencyTTL bounds how long a key is remembered. Defaults to 24h.
	IdempotencyTTL time.Duration
	Log            *zerolog.Logger
	Now            func() time.Time
}

func (s *ManagerService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

func (s *ManagerService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *ManagerService) ttl() time.Duration {
	if s.IdempotencyTTL <= 0 {
		return 24 * time.Hour
	}
	return s.IdempotencyTTL
}

// Decide applies d to the application.
//
// negotiation moves manager_review or info_requested to negotiating and
// sends the opening e-mail; on an application already negotiating it only
// retries the opening e-mail. request_info and reject notify the requester.
// invoice issues the invoice of an agreed negotiation and closes it.
func (s *ManagerService) Decide(ctx context.Context, applicationID string, d Decision) (*DecisionResult, error) {
	tr := otel.Tracer("services/ManagerService")
	ctx, span := tr.Start(ctx, "Decide",
		trace.WithAttributes(
			attribute.String("application.id", applicationID),
			attribute.String("action", d.Action),
		),
	)
	defer span.End()

	action := strings.ToLower(strings.TrimSpace(d.Action))
	switch action {
	case ActionNegotiation, ActionRequestInfo, ActionReject, ActionInvoice:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, d.Action)
	}

	unlock := s.Apps.lock(applicationID)
	defer unlock()

	app, err := s.Apps.load(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(d.IdempotencyKey)
	if key != "" {
		if res, ok, err := s.replay(ctx, app, key); err != nil || ok {
			return res, err
		}
	}

	var res *DecisionResult
	switch action {
	case ActionNegotiation:
		res, err = s.negotiate(ctx, app, d.Notes)
	case ActionRequestInfo:
		res, err = s.requestInfo(ctx, app, d.Notes)
	case ActionReject:
		res, err = s.reject(ctx, app, d.Notes)
	case ActionInvoice:
		res, err = s.invoice(ctx, app, d)
	}
	if err != nil {
		return res, err
	}

	if key != "" {
		if _, err := repo.CreateIdempotency(ctx, s.Apps.DB, app.ID, key, res.Action.ID, idempotentStatus, s.ttl()); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			s.logger().Warn().Err(err).Str("application_id", app.ID).Msg("store idempotency key failed")
		}
	}
	return res, nil
}

// replay answers a retried decision from its stored outcome.
func (s *ManagerService) replay(ctx context.Context, app *domain.Application, key string) (*DecisionResult, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.Apps.DB, app.ID, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	act, err := repo.GetManagerAction(ctx, s.Apps.DB, rec.ActionID)
	if err != nil {
		return nil, false, err
	}
	res := &DecisionResult{Application: app, Action: act, Replayed: true}
	if act.Action == ActionInvoice {
		if inv, err := repo.GetInvoiceByApplication(ctx, s.Apps.DB, app.ID); err == nil {
			res.Invoice = inv
		}
	}
	return res, true, nil
}

func (s *ManagerService) record(ctx context.Context, app *domain.Application, action, notes string) (*domain.ManagerAction, error) {
	act, err := repo.CreateManagerAction(ctx, s.Apps.DB, app.ID, action, strings.TrimSpace(notes))
	if err != nil {
		return nil, fmt.Errorf("record manager action: %w", err)
	}
	return act, nil
}

func (s *ManagerService) negotiate(ctx context.Context, app *domain.Application, notes string) (*DecisionResult, error) {
	if app.SupplierID == nil {
		return nil, ErrNoSupplier
	}
	retry := app.Status == domain.StatusNegotiating
	if !retry && !domain.CanTransition(app.Status, domain.StatusNegotiating) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, app.Status, domain.StatusNegotiating)
	}
	act, err := s.record(ctx, app, ActionNegotiation, notes)
	if err != nil {
		return nil, err
	}
	if !retry {
		if err := s.Apps.transition(ctx, app, domain.StatusNegotiating); err != nil {
			return nil, err
		}
	}
	res := &DecisionResult{Application: app, Action: act}
	if s.Negotiator == nil {
		return res, nil
	}
	if err := s.Negotiator.open(ctx, app); err != nil {
		s.logger().Error().Err(err).Str("application_id", app.ID).Msg("opening e-mail failed; retry the negotiation decision")
		return res, err
	}
	return res, nil
}

func (s *ManagerService) requestInfo(ctx context.Context, app *domain.Application, notes string) (*DecisionResult, error) {
	if !domain.CanTransition(app.Status, domain.StatusInfoRequested) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, app.Status, domain.StatusInfoRequested)
	}
	act, err := s.record(ctx, app, ActionRequestInfo, notes)
	if err != nil {
		return nil, err
	}
	if err := s.Apps.transition(ctx, app, domain.StatusInfoRequested); err != nil {
		return nil, err
	}
	text := fmt.Sprintf("По заявке #%s менеджеру нужна дополнительная информация.", app.ID)
	if n := strings.TrimSpace(notes); n != "" {
		text += "\n" + n
	}
	s.notifyRequester(ctx, app, text, nil)
	return &DecisionResult{Application: app, Action: act}, nil
}

func (s *ManagerService) reject(ctx context.Context, app *domain.Application, notes string) (*DecisionResult, error) {
	if !domain.CanTransition(app.Status, domain.StatusRejected) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, app.Status, domain.StatusRejected)
	}
	act, err := s.record(ctx, app, ActionReject, notes)
	if err != nil {
		return nil, err
	}
	if err := s.Apps.transition(ctx, app, domain.StatusRejected); err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Заявка #%s отклонена.", app.ID)
	if n := strings.TrimSpace(notes); n != "" {
		text += "\nПричина: " + n
	}
	s.notifyRequester(ctx, app, text, nil)
	return &DecisionResult{Application: app, Action: act}, nil
}

func (s *ManagerService) invoice(ctx context.Context, app *domain.Application, d Decision) (*DecisionResult, error) {
	if app.Status != domain.StatusNegotiationAgreed {
		return nil, fmt.Errorf("%w: invoice requires %s, application is %s", ErrInvalidTransition, domain.StatusNegotiationAgreed, app.Status)
	}
	if app.SupplierID == nil {
		return nil, ErrNoSupplier
	}
	if s.Invoices == nil {
		return nil, errors.New("invoice service not configured")
	}
	inv, err := s.Invoices.Trigger(ctx, app, d.Amount)
	if err != nil {
		return nil, err
	}
	act, err := s.record(ctx, app, ActionInvoice, d.Notes)
	if err != nil {
		return nil, err
	}
	if err := s.Apps.transition(ctx, app, domain.StatusClosed); err != nil {
		return nil, err
	}
	return &DecisionResult{Application: app, Action: act, Invoice: inv}, nil
}

// AssignSupplier attaches a directory supplier to an application that search
// left in searching and moves it to manager_review.
func (s *ManagerService) AssignSupplier(ctx context.Context, applicationID, supplierID string) (*DecisionResult, error) {
	tr := otel.Tracer("services/ManagerService")
	ctx, span := tr.Start(ctx, "AssignSupplier",
		trace.WithAttributes(
			attribute.String("application.id", applicationID),
			attribute.String("supplier.id", supplierID),
		),
	)
	defer span.End()

	unlock := s.Apps.lock(applicationID)
	defer unlock()

	app, err := s.Apps.load(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != domain.StatusSearching {
		return nil, fmt.Errorf("%w: supplier can be assigned in %s only, application is %s", ErrInvalidTransition, domain.StatusSearching, app.Status)
	}
	sup, err := repo.GetSupplier(ctx, s.Apps.DB, strings.TrimSpace(supplierID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSupplierNotFound
		}
		return nil, err
	}
	if err := repo.SetApplicationSupplier(ctx, s.Apps.DB, app.ID, sup.ID); err != nil {
		return nil, err
	}
	app.SupplierID = &sup.ID
	app.Supplier = sup

	act, err := s.record(ctx, app, ActionAssignSupplier, sup.Name)
	if err != nil {
		return nil, err
	}
	if err := s.Apps.transition(ctx, app, domain.StatusManagerReview); err != nil {
		return nil, err
	}
	return &DecisionResult{Application: app, Action: act}, nil
}

func (s *ManagerService) notifyRequester(ctx context.Context, app *domain.Application, text string, attachment *string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.NotifyRequester(ctx, app.Requester, text, attachment); err != nil {
		s.logger().Warn().Err(err).Str("application_id", app.ID).Msg("notify requester failed")
	}
}
