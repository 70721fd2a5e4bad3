package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"city=Уфа", "city=Уфа"},
		{"email=a.b+tag@example.com", "email=[REDACTED:email]"},
		{"tel=+7 (912) 345-67-89", "tel=[REDACTED:phone]"},
		{"tel=8 912 345 67 89", "tel=[REDACTED:phone]"},
		{"inn=0274051582", "inn=[REDACTED:inn]"},
		{"phone 555-123-4567", "phone [REDACTED:phone]"},
		{"id=123e4567-e89b-12d3-a456-426614174000", "id=[REDACTED:id]"},
	}
	for _, tc := range cases {
		if got := Redact(tc.in); got != tc.want {
			t.Fatalf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactingLogger_ScrubsQueryAndHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header(HeaderRequestID, "rid-resp")
		c.Next()
	})
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{" X-Api-Key "}}))
	r.GET("/api/v1/suppliers/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/suppliers/s1?email=sales@beton.example", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Contact", "sales@beton.example")
	req.Header.Set(HeaderRequestID, "rid-req")
	r.ServeHTTP(httptest.NewRecorder(), req)

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"path":"/api/v1/suppliers/:id"`,
		`"request_id":"rid-resp"`,
		`"query":"email=[REDACTED:email]"`,
		`"Authorization":"[REDACTED]"`,
		`"X-Api-Key":"[REDACTED]"`,
		`"X-Contact":"[REDACTED:email]"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in %s", want, logs)
		}
	}
	if strings.Contains(logs, "beton.example") || strings.Contains(logs, "shhh") {
		t.Fatalf("secret leaked: %s", logs)
	}
}

func TestRedactingLogger_LevelsAndRequestIDFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)
	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for path, rid := range map[string]string{"/warn": "rid-warn", "/error": "rid-err"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(HeaderRequestID, rid)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"request_id":"rid-warn"`) {
		t.Fatalf("warn line: %s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) || !strings.Contains(logs, `"request_id":"rid-err"`) {
		t.Fatalf("error line: %s", logs)
	}
}
