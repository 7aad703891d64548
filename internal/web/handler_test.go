package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/whonion/MidnightMiner/internal/types"
)

func TestStatusEndpoint(t *testing.T) {
	calls := 0
	handler := NewHandler(func() *StatusData {
		calls++
		return &StatusData{
			Preset:   "standard",
			Wallets:  3,
			HashRate: 1234.5,
			Slots:    []types.SlotStatus{{Slot: 0, State: "searching"}},
		}
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var data StatusData
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Preset != "standard" || data.Wallets != 3 || len(data.Slots) != 1 {
		t.Fatalf("decoded %+v", data)
	}

	// The second hit inside the cache TTL does not call dataFunc again.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if calls != 1 {
		t.Fatalf("dataFunc called %d times, want 1", calls)
	}
}

func TestDashboardPage(t *testing.T) {
	handler := NewHandler(func() *StatusData { return &StatusData{} })

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Miner Dashboard") {
		t.Fatal("dashboard HTML missing")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := NewHandler(func() *StatusData { return &StatusData{} })
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
