package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/chatferry/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.CloneRun{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seedRuns(t *testing.T, gdb *gorm.DB) []models.CloneRun {
	t.Helper()
	runs := []models.CloneRun{
		{SourceName: "Source [1]", DestName: "Dest [2]", Mode: "forward", Status: models.RunStatusCompleted, Delivered: 10, StartedAt: time.Now().Add(-time.Hour)},
		{SourceName: "Source [1]", DestName: "Dest [2]", Mode: "forward", Status: models.RunStatusRunning, Delivered: 3, StartedAt: time.Now()},
	}
	for i := range runs {
		if err := gdb.Create(&runs[i]).Error; err != nil {
			t.Fatalf("seed run: %v", err)
		}
	}
	return runs
}

func TestStart_NilDB(t *testing.T) {
	err := Start(context.Background(), StartOpts{DB: nil})
	if err == nil {
		t.Fatal("expected error for nil db")
	}
	if !strings.Contains(err.Error(), "db is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db is required")
	}
}

func TestHealth(t *testing.T) {
	router := NewRouter(openTestDB(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRunList(t *testing.T) {
	gdb := openTestDB(t)
	seedRuns(t, gdb)
	router := NewRouter(gdb)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Runs []models.CloneRun `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(body.Runs))
	}
	if body.Runs[0].ID < body.Runs[1].ID {
		t.Error("runs not ordered newest first")
	}
}

func TestRunList_StatusFilter(t *testing.T) {
	gdb := openTestDB(t)
	seedRuns(t, gdb)
	router := NewRouter(gdb)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs?status=running", nil))
	var body struct {
		Runs []models.CloneRun `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].Status != models.RunStatusRunning {
		t.Errorf("filtered runs = %+v, want one running", body.Runs)
	}
}

func TestRunList_BadLimit(t *testing.T) {
	router := NewRouter(openTestDB(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRunDetail(t *testing.T) {
	gdb := openTestDB(t)
	runs := seedRuns(t, gdb)
	router := NewRouter(gdb)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got models.CloneRun
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != runs[0].ID || got.Delivered != 10 {
		t.Errorf("run = %+v", got)
	}
}

func TestRunDetail_NotFound(t *testing.T) {
	router := NewRouter(openTestDB(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/999", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRunDetail_BadID(t *testing.T) {
	router := NewRouter(openTestDB(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSSE_ConnectedEvent(t *testing.T) {
	// Nil DB: the handler sends the connected event and returns.
	router := NewRouter(nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("body = %q, want connected event", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}
