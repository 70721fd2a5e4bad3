package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-procurement-bot/internal/config"
	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/http/handlers"
	"github.com/tbourn/go-procurement-bot/internal/http/middleware"
	"github.com/tbourn/go-procurement-bot/internal/repo"
	"github.com/tbourn/go-procurement-bot/internal/services"
)

type stubIntake struct{}

func (stubIntake) Handle(_ context.Context, who services.RequesterIdentity, _ string) (*services.IntakeResult, error) {
	return &services.IntakeResult{
		Application: &domain.Application{ID: "app-" + who.ExternalID, Status: domain.StatusIntake},
		Reply:       "Какой объём нужен?",
	}, nil
}

type stubManager struct{ calls int }

func (m *stubManager) Decide(_ context.Context, id string, d services.Decision) (*services.DecisionResult, error) {
	m.calls++
	return &services.DecisionResult{
		Application: &domain.Application{ID: id, Status: domain.StatusRejected},
		Action:      &domain.ManagerAction{ApplicationID: id, Action: d.Action},
		Replayed:    d.IdempotencyKey != "" && m.calls > 1,
	}, nil
}

func (m *stubManager) AssignSupplier(context.Context, string, string) (*services.DecisionResult, error) {
	return nil, services.ErrInvalidTransition
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
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

func baseConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newRouter(t *testing.T, db *gorm.DB, deps handlers.Deps, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, db, deps, cfg)
	return r
}

func serve(r http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r := newRouter(t, newTestDB(t), handlers.Deps{}, baseConfig())

	w := serve(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get(middleware.HeaderRequestID) == "" {
		t.Fatal("expected X-Request-ID header")
	}

	w = serve(r, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "procurement_http_requests_total") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	w = serve(r, http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), handlers.ErrCodeNotFound) {
		t.Fatalf("GET /nope = %d %s", w.Code, w.Body.String())
	}

	w = serve(r, http.MethodPost, "/health", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}

	// No poller wired: the operator tool answers 503.
	w = serve(r, http.MethodPost, "/api/v1/inbound/poll", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST /inbound/poll = %d", w.Code)
	}

	if w = serve(r, http.MethodGet, "/swagger/index.html", ""); w.Code != http.StatusNotFound {
		t.Fatalf("swagger must be off by default, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := baseConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://desk.example.ru"}}
	r := newRouter(t, newTestDB(t), handlers.Deps{Intake: stubIntake{}}, cfg)

	w := serve(r, http.MethodGet, "/health", "", "Origin", "http://desk.example.ru")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://desk.example.ru" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	w = serve(r, http.MethodGet, "/health", "", "Origin", "http://evil.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin echoed: %q", got)
	}

	w = serve(r, http.MethodOptions, "/api/v2/intake", "",
		"Origin", "http://desk.example.ru",
		"Access-Control-Request-Method", "POST",
		"Access-Control-Request-Headers", middleware.HeaderRequester)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(strings.ToLower(got), strings.ToLower(middleware.HeaderRequester)) {
		t.Fatalf("allow headers = %q", got)
	}

	w = serve(r, http.MethodPost, "/api/v2/intake", `{"external_id":"tg-1","text":"Нужен бетон"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "app-tg-1") {
		t.Fatalf("POST /api/v2/intake = %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_RateLimitPerCaller(t *testing.T) {
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r := newRouter(t, newTestDB(t), handlers.Deps{Intake: stubIntake{}}, cfg)
	body := `{"external_id":"tg-1","text":"Нужен бетон"}`

	if w := serve(r, http.MethodPost, "/api/v1/intake", body, middleware.HeaderRequester, "r1"); w.Code != http.StatusOK {
		t.Fatalf("first call = %d", w.Code)
	}
	w := serve(r, http.MethodPost, "/api/v1/intake", body, middleware.HeaderRequester, "r1")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second call = %d retry-after=%q", w.Code, w.Header().Get("Retry-After"))
	}
	if w := serve(r, http.MethodPost, "/api/v1/intake", body, middleware.HeaderRequester, "r2"); w.Code != http.StatusOK {
		t.Fatalf("other caller = %d", w.Code)
	}
	// Probes are not limited.
	for i := 0; i < 3; i++ {
		if w := serve(r, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
			t.Fatalf("health %d = %d", i, w.Code)
		}
	}
}

func TestRegisterRoutes_IdempotentReplayBypassesLimiter(t *testing.T) {
	db := newTestDB(t)
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	mgr := &stubManager{}
	r := newRouter(t, db, handlers.Deps{Manager: mgr}, cfg)

	const appID = "a1"
	const key = "decide-1"
	target := "/api/v1/applications/" + appID + "/actions"
	body := `{"action":"reject","notes":"дорого"}`

	w := serve(r, http.MethodPost, target, body, middleware.HeaderIdempotencyKey, key, middleware.HeaderOperator, "op")
	if w.Code != http.StatusOK {
		t.Fatalf("first decision = %d %s", w.Code, w.Body.String())
	}
	if _, err := repo.CreateIdempotency(context.Background(), db, appID, key, "act-1", http.StatusOK, time.Hour); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}

	w = serve(r, http.MethodPost, target, body, middleware.HeaderIdempotencyKey, key, middleware.HeaderOperator, "op")
	if w.Code != http.StatusOK || w.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("replay = %d replay=%q", w.Code, w.Header().Get("Idempotent-Replay"))
	}

	// A fresh key from the same operator is throttled.
	w = serve(r, http.MethodPost, target, body, middleware.HeaderIdempotencyKey, "decide-2", middleware.HeaderOperator, "op")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("new key = %d", w.Code)
	}

	w = serve(r, http.MethodPost, target, body, middleware.HeaderIdempotencyKey, "bad key!", middleware.HeaderOperator, "op2")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid key = %d", w.Code)
	}
	if mgr.calls != 2 {
		t.Fatalf("manager calls = %d, want 2", mgr.calls)
	}
}

func TestRegisterRoutes_IdempotencyLookupErrorIsMiss(t *testing.T) {
	db := newTestDB(t)
	lookup := idempotencyLookup(db)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	found, err := lookup(context.Background(), "a1", "k", time.Now())
	if found || err != nil {
		t.Fatalf("lookup on a closed store = %v, %v", found, err)
	}
}

func TestRegisterRoutes_SwaggerAndGzip(t *testing.T) {
	cfg := baseConfig()
	cfg.SwaggerEnabled = true
	r := newRouter(t, newTestDB(t), handlers.Deps{}, cfg)

	w := serve(r, http.MethodGet, "/swagger/doc.json", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/applications/{id}/actions") {
		t.Fatalf("swagger doc = %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/health", "", "Accept-Encoding", "gzip")
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", w.Header().Get("Content-Encoding"))
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := serve(r, http.MethodGet, path, "")
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
