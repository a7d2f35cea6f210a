package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestTokenBucketLimitsAndRefills(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60)
	l.now = func() time.Time { return clock }

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.5:1234"
		r.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := do(); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}

	clock = clock.Add(time.Second)
	if w := do(); w.Code != http.StatusOK {
		t.Errorf("after refill status = %d", w.Code)
	}
}

func TestTokenBucketKeysSeparately(t *testing.T) {
	l := NewTokenBucket(1, 1)
	if ok, _ := l.allow("a"); !ok {
		t.Fatal("first request for a denied")
	}
	if ok, _ := l.allow("a"); ok {
		t.Error("second request for a allowed")
	}
	if ok, _ := l.allow("b"); !ok {
		t.Error("b should have its own bucket")
	}
}

func TestTokenBucketCustomKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewTokenBucket(1, 1).WithKey(func(c *gin.Context) string { return c.GetHeader("X-Kiosk") })
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, tc := range []struct {
		kiosk string
		want  int
	}{{"a", 200}, {"b", 200}, {"a", 429}} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Kiosk", tc.kiosk)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("kiosk %s status = %d, want %d", tc.kiosk, w.Code, tc.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers = %v", w.Header())
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set outside release mode")
	}
}

func TestTokenBucketExemptPathsDoNotStarveScans(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewTokenBucket(120, 120).Exempt("/api/attendance/preview", "/api/status")
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/api/attendance/preview", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/attendance/scan", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "10.0.0.9:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 150; i++ {
		if code := do(http.MethodGet, "/api/attendance/preview"); code != http.StatusOK {
			t.Fatalf("preview %d status = %d", i+1, code)
		}
	}
	if code := do(http.MethodPost, "/api/attendance/scan"); code != http.StatusOK {
		t.Errorf("scan after preview polling status = %d, want 200", code)
	}
}
