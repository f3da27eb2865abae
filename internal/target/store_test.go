package target

import (
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
	err = gdb.AutoMigrate(
		&models.Correlation{},
		&models.ArchivedMessage{},
		&models.ArchiveMeta{},
		&models.CloneRun{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestResumePoint_EmptyStore(t *testing.T) {
	store := newTestStore(t)
	resume, err := store.ResumePoint(1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resume != 0 {
		t.Errorf("resume = %d, want 0 for empty store", resume)
	}
}

func TestResumePoint_MostRecentInsertionWins(t *testing.T) {
	store := newTestStore(t)

	// Insert out of message-id order: resume follows insertion recency, not
	// the largest id, so reverse runs resume correctly too.
	rows := []models.Correlation{
		{SourceChatID: 1, SourceMessageID: 50, DestChatID: 2, DestMessageID: 100, InsertedAt: time.Now().Add(-2 * time.Hour)},
		{SourceChatID: 1, SourceMessageID: 30, DestChatID: 2, DestMessageID: 101, InsertedAt: time.Now().Add(-1 * time.Hour)},
		{SourceChatID: 1, SourceMessageID: 40, DestChatID: 2, DestMessageID: 102, InsertedAt: time.Now()},
	}
	for i := range rows {
		if err := store.DB().Create(&rows[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	resume, err := store.ResumePoint(1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resume != 40 {
		t.Errorf("resume = %d, want 40 (most recently inserted)", resume)
	}
}

func TestResumePoint_ScopedToPair(t *testing.T) {
	store := newTestStore(t)
	seed := models.Correlation{SourceChatID: 1, SourceMessageID: 10, DestChatID: 9, DestMessageID: 90}
	if err := store.Insert(&seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resume, err := store.ResumePoint(1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resume != 0 {
		t.Errorf("resume = %d, want 0 (other destination's history must not bleed in)", resume)
	}
}

func TestInsert_Idempotent(t *testing.T) {
	store := newTestStore(t)
	corr := models.Correlation{SourceChatID: 1, SourceMessageID: 10, DestChatID: 2, DestMessageID: 100}
	if err := store.Insert(&corr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := models.Correlation{SourceChatID: 1, SourceMessageID: 10, DestChatID: 2, DestMessageID: 999}
	if err := store.Insert(&dup); err != nil {
		t.Fatalf("duplicate insert should be silently ignored: %v", err)
	}

	var count int64
	store.DB().Model(&models.Correlation{}).Count(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
	var got models.Correlation
	store.DB().First(&got)
	if got.DestMessageID != 100 {
		t.Errorf("DestMessageID = %d, want original 100", got.DestMessageID)
	}
}

func TestDelivered(t *testing.T) {
	store := newTestStore(t)
	corr := models.Correlation{SourceChatID: 1, SourceMessageID: 10, DestChatID: 2, DestMessageID: 100}
	if err := store.Insert(&corr); err != nil {
		t.Fatalf("insert: %v", err)
	}

	existing, err := store.Delivered(1, 10, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existing == nil || existing.DestMessageID != 100 {
		t.Errorf("Delivered = %+v, want the committed record", existing)
	}
	existing, err = store.Delivered(1, 11, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existing != nil {
		t.Errorf("Delivered = %+v for unseen message, want nil", existing)
	}
}

func TestNewStore_NilDB(t *testing.T) {
	if _, err := NewStore(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}
