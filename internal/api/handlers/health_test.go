package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticChecker struct {
	status, message string
}

func (c staticChecker) CheckReady() (string, string) { return c.status, c.message }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func decodeReady(t *testing.T, rec *httptest.ResponseRecorder) healthReadyResponse {
	t.Helper()
	var resp healthReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ошибка декодирования ответа: %v", err)
	}
	return resp
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler()
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("код = %d, ожидался 200", rec.Code)
	}
	var resp healthLiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if resp.Status != "ok" || resp.Service != "processing-module" {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		deps       []Dependency
		wantCode   int
		wantStatus string
	}{
		{
			name: "все зависимости в порядке",
			deps: []Dependency{
				{Name: "postgresql", Checker: staticChecker{"ok", ""}, Critical: true},
				{Name: "scanner", Checker: staticChecker{"ok", ""}},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "отказ некритичной зависимости",
			deps: []Dependency{
				{Name: "postgresql", Checker: staticChecker{"ok", ""}, Critical: true},
				{Name: "scanner", Checker: staticChecker{"fail", "сканер неисправен"}},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name: "отказ критичной зависимости",
			deps: []Dependency{
				{Name: "postgresql", Checker: staticChecker{"fail", "нет соединения"}, Critical: true},
				{Name: "scanner", Checker: staticChecker{"ok", ""}},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
		},
		{
			name:       "не инициализирована",
			deps:       []Dependency{{Name: "queue", Critical: true}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.deps...)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("код = %d, ожидался %d", rec.Code, tt.wantCode)
			}
			resp := decodeReady(t, rec)
			if resp.Status != tt.wantStatus {
				t.Errorf("статус = %q, ожидался %q", resp.Status, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.deps) {
				t.Errorf("проверок = %d, ожидалось %d", len(resp.Checks), len(tt.deps))
			}
		})
	}
}

func TestOverallStatus(t *testing.T) {
	if got := overallStatus(); got != "ok" {
		t.Errorf("пустой список: %q", got)
	}
	if got := overallStatus("ok", "degraded", "ok"); got != "degraded" {
		t.Errorf("degraded: %q", got)
	}
	if got := overallStatus("degraded", "fail"); got != "fail" {
		t.Errorf("fail: %q", got)
	}
}

func TestPingChecker(t *testing.T) {
	st, _ := NewPingChecker("redis", fakePinger{}).CheckReady()
	if st != "ok" {
		t.Errorf("статус = %q, ожидался ok", st)
	}

	st, msg := NewPingChecker("redis", fakePinger{err: errors.New("connection refused")}).CheckReady()
	if st != "fail" || !strings.Contains(msg, "redis") {
		t.Errorf("CheckReady() = %q, %q", st, msg)
	}
}

func TestGetMetrics(t *testing.T) {
	h := NewHealthHandler()
	rec := httptest.NewRecorder()
	h.GetMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("код = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("в ответе нет стандартных метрик Go")
	}
}
