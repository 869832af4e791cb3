package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func newRouter(store Store, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api/v1/accounts/:account_id")
	g.Use(Middleware(store, Options{TTL: time.Hour}, zerolog.Nop()))
	g.POST("/schedules", handler)
	g.GET("/schedules", handler)
	return r
}

func do(r http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set(Header, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaysFirstResponse(t *testing.T) {
	calls := 0
	r := newRouter(NewMemoryStore(), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"success": true, "call": calls})
	})

	first := do(r, http.MethodPost, "/api/v1/accounts/a1/schedules", "k1")
	second := do(r, http.MethodPost, "/api/v1/accounts/a1/schedules", "k1")
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Errorf("replay mismatch: %d %s vs %s", second.Code, second.Body, first.Body)
	}
	if second.Header().Get(ReplayedHeader) != "true" {
		t.Error("replayed response not marked")
	}

	do(r, http.MethodPost, "/api/v1/accounts/a2/schedules", "k1")
	do(r, http.MethodPost, "/api/v1/accounts/a1/schedules", "")
	if calls != 3 {
		t.Errorf("other account or missing key should not replay; calls=%d", calls)
	}
	do(r, http.MethodGet, "/api/v1/accounts/a1/schedules", "k1")
	if calls != 4 {
		t.Errorf("reads should bypass idempotency; calls=%d", calls)
	}
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	calls := 0
	r := newRouter(NewMemoryStore(), func(c *gin.Context) {
		calls++
		if calls == 1 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": true})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true})
	})
	if w := do(r, http.MethodPost, "/api/v1/accounts/a1/schedules", "k"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected first status %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/accounts/a1/schedules", "k"); w.Code != http.StatusCreated {
		t.Errorf("expected retry to execute, got %d", w.Code)
	}
	if calls != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls)
	}
}

func TestMiddleware_InFlightConflict(t *testing.T) {
	store := NewMemoryStore()
	r := newRouter(store, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	scoped := "a1|POST|/api/v1/accounts/:account_id/schedules|k"
	if state, _, _ := store.Reserve(context.Background(), scoped, time.Minute); state != Reserved {
		t.Fatalf("expected reservation, got %v", state)
	}
	if w := do(r, http.MethodPost, "/api/v1/accounts/a1/schedules", "k"); w.Code != http.StatusConflict {
		t.Errorf("expected 409 while in flight, got %d", w.Code)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Reserve(ctx, "k", time.Minute)
	m.Complete(ctx, "k", Response{Status: 201, Body: []byte("ok")}, time.Hour)
	if state, resp, _ := m.Reserve(ctx, "k", time.Minute); state != Replay || string(resp.Body) != "ok" {
		t.Fatalf("expected replay, got %v", state)
	}
	now = now.Add(2 * time.Hour)
	if state, _, _ := m.Reserve(ctx, "k", time.Minute); state != Reserved {
		t.Errorf("expected key to expire, got %v", state)
	}
}
