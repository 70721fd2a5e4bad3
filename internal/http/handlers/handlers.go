// Package handlers provides the HTTP handlers of the procurement API.
//
// Handlers are transport-thin: they bind input, call the services and map
// results and sentinel errors to responses. Service contracts are declared
// here so tests can substitute fakes.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/repo"
	"github.com/tbourn/go-procurement-bot/internal/services"
)

// IntakeService handles requester messages.
type IntakeService interface {
	Handle(ctx context.Context, who services.RequesterIdentity, text string) (*services.IntakeResult, error)
}

// ApplicationService serves application reads.
type ApplicationService interface {
	Get(ctx context.Context, id string) (*domain.Application, error)
	ListPage(ctx context.Context, status domain.Status, page, pageSize int) ([]domain.Application, int64, error)
	ListForRequester(ctx context.Context, requesterID string) ([]domain.Application, error)
	Transcript(ctx context.Context, id string) ([]domain.EmailRecord, error)
	Actions(ctx context.Context, id string) ([]domain.ManagerAction, error)
	Notifications(ctx context.Context, requesterID string, page, pageSize int) ([]domain.Notification, int64, error)
}

// ManagerService applies manager decisions.
type ManagerService interface {
	Decide(ctx context.Context, applicationID string, d services.Decision) (*services.DecisionResult, error)
	AssignSupplier(ctx context.Context, applicationID, supplierID string) (*services.DecisionResult, error)
}

// SupplierService serves the supplier directory.
type SupplierService interface {
	Get(ctx context.Context, id string) (*domain.Supplier, error)
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Supplier, int64, error)
}

// InboundPoller runs one inbox poll on demand.
type InboundPoller interface {
	Tick(ctx context.Context) (services.TickResult, error)
}

// Versions reports collection versions for weak ETags. A nil Versions
// disables conditional responses.
type Versions interface {
	Applications(ctx context.Context, status domain.Status) (count int64, maxUpdatedAt *time.Time, err error)
	Suppliers(ctx context.Context) (count int64, maxUpdatedAt *time.Time, err error)
}

// DBVersions reads versions straight from the store.
type DBVersions struct{ DB *gorm.DB }

// Applications implements Versions.
func (v DBVersions) Applications(ctx context.Context, status domain.Status) (int64, *time.Time, error) {
	return repo.ApplicationsStats(ctx, v.DB, status)
}

// Suppliers implements Versions.
func (v DBVersions) Suppliers(ctx context.Context) (int64, *time.Time, error) {
	return repo.SuppliersStats(ctx, v.DB)
}

// Handlers groups all endpoints.
type Handlers struct {
	intake    IntakeService
	apps      ApplicationService
	manager   ManagerService
	suppliers SupplierService
	poller    InboundPoller
	versions  Versions
}

// Deps lists the services the handlers call. Poller and Versions are optional.
type Deps struct {
	Intake    IntakeService
	Apps      ApplicationService
	Manager   ManagerService
	Suppliers SupplierService
	Poller    InboundPoller
	Versions  Versions
}

// New constructs Handlers from deps.
func New(d Deps) *Handlers {
	return &Handlers{
		intake:    d.Intake,
		apps:      d.Apps,
		manager:   d.Manager,
		suppliers: d.Suppliers,
		poller:    d.Poller,
		versions:  d.Versions,
	}
}

// notModified sets a weak ETag built from the collection version and reports
// whether the client copy is current. Version errors skip the check.
func notModified(c *gin.Context, scope string, count int64, maxTS *time.Time, err error) bool {
	if err != nil {
		return false
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	etag := fmt.Sprintf(`W/"%s:%d:%d"`, scope, count, ts)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
