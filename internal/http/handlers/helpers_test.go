package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/http/middleware"
	"github.com/tbourn/go-procurement-bot/internal/services"
)

type fakeIntake struct {
	got services.RequesterIdentity
	res *services.IntakeResult
	err error
}

func (f *fakeIntake) Handle(_ context.Context, who services.RequesterIdentity, _ string) (*services.IntakeResult, error) {
	f.got = who
	return f.res, f.err
}

type fakeApps struct {
	apps   map[string]domain.Application
	emails []domain.EmailRecord
	acts   []domain.ManagerAction
	notes  []domain.Notification
	err    error
	pages  []int
}

func (f *fakeApps) Get(_ context.Context, id string) (*domain.Application, error) {
	a, found := f.apps[id]
	if !found {
		return nil, services.ErrApplicationNotFound
	}
	return &a, nil
}

func (f *fakeApps) ListPage(_ context.Context, status domain.Status, page, pageSize int) ([]domain.Application, int64, error) {
	f.pages = append(f.pages, page, pageSize)
	if f.err != nil {
		return nil, 0, f.err
	}
	out := []domain.Application{}
	for _, a := range f.apps {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeApps) ListForRequester(_ context.Context, requesterID string) ([]domain.Application, error) {
	if requesterID != "r1" {
		return nil, services.ErrRequesterNotFound
	}
	out := []domain.Application{}
	for _, a := range f.apps {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeApps) Transcript(ctx context.Context, id string) ([]domain.EmailRecord, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return f.emails, nil
}

func (f *fakeApps) Actions(ctx context.Context, id string) ([]domain.ManagerAction, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return f.acts, nil
}

func (f *fakeApps) Notifications(_ context.Context, requesterID string, _, _ int) ([]domain.Notification, int64, error) {
	if requesterID != "r1" {
		return nil, 0, services.ErrRequesterNotFound
	}
	return f.notes, int64(len(f.notes)), nil
}

type fakeManager struct {
	decisions []services.Decision
	assigned  string
	res       *services.DecisionResult
	err       error
}

func (f *fakeManager) Decide(_ context.Context, _ string, d services.Decision) (*services.DecisionResult, error) {
	f.decisions = append(f.decisions, d)
	return f.res, f.err
}

func (f *fakeManager) AssignSupplier(_ context.Context, _, supplierID string) (*services.DecisionResult, error) {
	f.assigned = supplierID
	return f.res, f.err
}

type fakeSuppliers struct {
	items []domain.Supplier
	err   error
}

func (f *fakeSuppliers) Get(_ context.Context, id string) (*domain.Supplier, error) {
	for _, s := range f.items {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, services.ErrSupplierNotFound
}

func (f *fakeSuppliers) ListPage(_ context.Context, _, _ int) ([]domain.Supplier, int64, error) {
	return f.items, int64(len(f.items)), f.err
}

type fakePoller struct {
	res   services.TickResult
	err   error
	calls int
}

func (f *fakePoller) Tick(context.Context) (services.TickResult, error) {
	f.calls++
	return f.res, f.err
}

type fakeVersions struct {
	count int64
	ts    time.Time
	err   error
}

func (f fakeVersions) Applications(context.Context, domain.Status) (int64, *time.Time, error) {
	return f.count, &f.ts, f.err
}

func (f fakeVersions) Suppliers(context.Context) (int64, *time.Time, error) {
	return f.count, &f.ts, f.err
}

type fixture struct {
	intake    *fakeIntake
	apps      *fakeApps
	manager   *fakeManager
	suppliers *fakeSuppliers
	poller    *fakePoller
	versions  Versions
}

func newFixture() *fixture {
	return &fixture{
		intake:    &fakeIntake{},
		apps:      &fakeApps{apps: map[string]domain.Application{}},
		manager:   &fakeManager{},
		suppliers: &fakeSuppliers{},
		poller:    &fakePoller{},
	}
}

// router mounts the handlers the way the HTTP layer does, minus the
// cross-cutting middleware.
func (f *fixture) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(Deps{
		Intake:    f.intake,
		Apps:      f.apps,
		Manager:   f.manager,
		Suppliers: f.suppliers,
		Poller:    f.poller,
		Versions:  f.versions,
	})
	r := gin.New()
	r.Use(middleware.RequestID())
	api := r.Group("/api/v1")
	api.POST("/intake", h.PostIntake)
	api.GET("/applications", h.ListApplications)
	api.GET("/applications/:id", h.GetApplication)
	api.GET("/applications/:id/emails", h.ListEmails)
	api.POST("/applications/:id/actions", middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil), h.PostDecision)
	api.POST("/applications/:id/supplier", h.AssignSupplier)
	api.GET("/suppliers", h.ListSuppliers)
	api.GET("/suppliers/:id", h.GetSupplier)
	api.GET("/requesters/:id/notifications", h.ListNotifications)
	api.GET("/requesters/:id/applications", h.ListRequesterApplications)
	api.POST("/inbound/poll", h.PollInbound)
	return r
}

func do(t *testing.T, r http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, isString := body.(string); isString {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	er := decode[ErrorResponse](t, w)
	if er.Code != code || er.RequestID == "" || er.Message == "" {
		t.Fatalf("envelope = %+v, want code %s", er, code)
	}
}
