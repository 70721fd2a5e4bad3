// Package services – ApplicationService
//
// ApplicationService owns application state. Every status change goes
// through transition, which applies the table-driven guard in the repository
// and then mirrors the new status to the CRM on a best-effort basis: a mirror
// failure is logged and never reverts the local change.
//
// Read operations back the manager desk (listing, detail, transcript).
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// ApplicationService coordinates status transitions and application reads.
type ApplicationService struct {
	DB    *gorm.DB
	CRM   CRM
	Locks *ApplicationLocks
	Log   *zerolog.Logger
}

// NewApplicationService wires an ApplicationService. A nil crm disables mirroring.
func NewApplicationService(db *gorm.DB, crm CRM, locks *ApplicationLocks) *ApplicationService {
	if locks == nil {
		locks = &ApplicationLocks{}
	}
	return &ApplicationService{DB: db, CRM: crm, Locks: locks}
}

func (s *ApplicationService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

// lock serializes work on one application. Locks must be set.
func (s *ApplicationService) lock(id string) func() { return s.Locks.Lock(id) }

// load fetches an application with relations, mapping a miss to ErrApplicationNotFound.
func (s *ApplicationService) load(ctx context.Context, id string) (*domain.Application, error) {
	app, err := repo.GetApplication(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return app, nil
}

// transition moves app to status to and updates app in place. The caller
// holds the application lock.
func (s *ApplicationService) transition(ctx context.Context, app *domain.Application, to domain.Status) error {
	from := app.Status
	if err := repo.UpdateApplicationStatus(ctx, s.DB, app.ID, from, to); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrApplicationNotFound
		}
		return err
	}
	app.Status = to
	statusTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger().Info().
		Str("application_id", app.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("application status changed")
	s.mirror(ctx, app)
	return nil
}

// mirror pushes the current status to the CRM when the application has a lead.
func (s *ApplicationService) mirror(ctx context.Context, app *domain.Application) {
	if s.CRM == nil || app.CRMID == nil {
		return
	}
	if err := s.CRM.SyncStatus(ctx, *app.CRMID, app.Status); err != nil {
		s.logger().Warn().Err(err).
			Str("application_id", app.ID).
			Int64("crm_id", *app.CRMID).
			Str("status", string(app.Status)).
			Msg("crm status mirror failed")
	}
}

// createLead registers app in the CRM and stores the lead id. Failures are logged.
func (s *ApplicationService) createLead(ctx context.Context, app *domain.Application) {
	if s.CRM == nil {
		return
	}
	id, err := s.CRM.CreateLead(ctx, app, app.Buyer)
	if err != nil {
		s.logger().Warn().Err(err).Str("application_id", app.ID).Msg("crm lead creation failed")
		return
	}
	if id == 0 {
		return
	}
	if err := repo.SetApplicationCRMID(ctx, s.DB, app.ID, id); err != nil {
		s.logger().Warn().Err(err).Str("application_id", app.ID).Msg("store crm id failed")
		return
	}
	app.CRMID = &id
}

// Get returns one application with requester, buyer and supplier.
func (s *ApplicationService) Get(ctx context.Context, id string) (*domain.Application, error) {
	tr := otel.Tracer("services/ApplicationService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("application.id", id)))
	defer span.End()

	return s.load(ctx, id)
}

// ListPage returns a page of applications, optionally filtered by status,
// and the total count.
func (s *ApplicationService) ListPage(ctx context.Context, status domain.Status, page, pageSize int) ([]domain.Application, int64, error) {
	tr := otel.Tracer("services/ApplicationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("status", string(status)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountApplications(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Application{}, 0, nil
	}
	items, err := repo.ListApplicationsPage(ctx, s.DB, status, offset, pageSize)
	return items, total, err
}

// ListForRequester returns every application of a requester, newest first.
func (s *ApplicationService) ListForRequester(ctx context.Context, requesterID string) ([]domain.Application, error) {
	if _, err := repo.GetRequester(ctx, s.DB, requesterID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrRequesterNotFound
		}
		return nil, err
	}
	return repo.ListApplicationsForRequester(ctx, s.DB, requesterID)
}

// Transcript returns the negotiation e-mails of an application in round order.
func (s *ApplicationService) Transcript(ctx context.Context, id string) ([]domain.EmailRecord, error) {
	tr := otel.Tracer("services/ApplicationService")
	ctx, span := tr.Start(ctx, "Transcript", trace.WithAttributes(attribute.String("application.id", id)))
	defer span.End()

	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return repo.ListEmails(ctx, s.DB, id)
}

// Actions returns the manager decisions recorded against an application.
func (s *ApplicationService) Actions(ctx context.Context, id string) ([]domain.ManagerAction, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return repo.ListManagerActions(ctx, s.DB, id)
}

// Notifications returns a page of the requester's outbox, oldest first, and
// its total size.
func (s *ApplicationService) Notifications(ctx context.Context, requesterID string, page, pageSize int) ([]domain.Notification, int64, error) {
	tr := otel.Tracer("services/ApplicationService")
	ctx, span := tr.Start(ctx, "Notifications", trace.WithAttributes(attribute.String("requester.id", requesterID)))
	defer span.End()

	if _, err := repo.GetRequester(ctx, s.DB, requesterID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrRequesterNotFound
		}
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountNotificationsForRequester(ctx, s.DB, requesterID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Notification{}, 0, nil
	}
	items, err := repo.ListNotificationsForRequester(ctx, s.DB, requesterID, (page-1)*pageSize, pageSize)
	return items, total, err
}
