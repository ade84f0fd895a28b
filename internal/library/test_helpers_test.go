package library

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:library_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&MediaRecord{}, &Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func mustMedia(t *testing.T, store *Store, mediaID int64, episodes int) MediaRecord {
	t.Helper()
	record := MediaRecord{MediaID: mediaID, TitleRomaji: fmt.Sprintf("Title %d", mediaID)}
	if episodes > 0 {
		record.Episodes = &episodes
	}
	stored, err := store.UpsertMediaRecord(context.Background(), record)
	if err != nil {
		t.Fatalf("failed to upsert media %d: %v", mediaID, err)
	}
	return stored
}

func mustEntry(t *testing.T, store *Store, mediaID int64, status Status, dirty bool) Entry {
	t.Helper()
	mustMedia(t, store, mediaID, 24)
	entry, err := store.CreateEntry(context.Background(), EntryDraft{
		MediaID: mediaID,
		Status:  status,
		Dirty:   dirty,
	})
	if err != nil {
		t.Fatalf("failed to create entry for media %d: %v", mediaID, err)
	}
	return entry
}

func assertContiguous(t *testing.T, store *Store) {
	t.Helper()
	for _, status := range Statuses() {
		entries, err := store.ListByStatus(context.Background(), status)
		if err != nil {
			t.Fatalf("failed to list %s: %v", status, err)
		}
		for index, entry := range entries {
			if entry.SortOrder != index {
				t.Fatalf("bucket %s not contiguous: entry %d has sort order %d at index %d", status, entry.LocalID, entry.SortOrder, index)
			}
		}
	}
}

func floatPointer(value float64) *float64 {
	return &value
}
