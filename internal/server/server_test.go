package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/processing-module/internal/config"
)

type okChecker struct{}

func (okChecker) CheckReady() (string, string) { return "ok", "" }

func testServer(port int) *Server {
	cfg := &config.Config{
		Port:             port,
		HTTPReadTimeout:  time.Second,
		HTTPWriteTimeout: time.Second,
		HTTPIdleTimeout:  time.Second,
		ShutdownTimeout:  time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	health := handlers.NewHealthHandler(handlers.Dependency{Name: "postgresql", Checker: okChecker{}, Critical: true})
	return New(cfg, logger, health)
}

func TestRoutes(t *testing.T) {
	h := testServer(0).Handler()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health/live", http.StatusOK},
		{http.MethodGet, "/health/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs", http.StatusNotFound},
		{http.MethodPost, "/health/live", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s: код = %d, ожидался %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	cfg := &config.Config{ShutdownTimeout: time.Second}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, logger, handlers.NewHealthHandler(), mw("first"), mw("second"))

	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("порядок middleware = %v", order)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	s := testServer(0)
	s.httpServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run не завершился после отмены контекста")
	}
}
