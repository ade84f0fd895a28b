package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew          = "library.store.new"
	opUpsertMedia       = "library.upsert_media_record"
	opCreateEntry       = "library.create_entry"
	opUpdateProgress    = "library.update_progress"
	opUpdateStatus      = "library.update_status"
	opUpdateScore       = "library.update_score"
	opMoveToStatus      = "library.move_to_status"
	opReorder           = "library.reorder"
	opDelete            = "library.delete"
	opDeleteIfClean     = "library.delete_if_clean"
	opApplyRemoteState  = "library.apply_remote_state"
	opMarkClean         = "library.mark_clean"
	opListByStatus      = "library.list_by_status"
	opListAll           = "library.list_all"
	opFindEntry         = "library.find_entry"
	opFindMediaRecord   = "library.find_media_record"
	opCountByStatus     = "library.count_by_status"
	opCompactAllBuckets = "library.compact_all"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig wires the Store collaborators.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists media records and library entries and keeps every status
// bucket's sort order dense and zero-based.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// UpsertMediaRecord inserts the record or overwrites the stored one with the same media id.
func (s *Store) UpsertMediaRecord(ctx context.Context, record MediaRecord) (MediaRecord, error) {
	if record.MediaID <= 0 {
		return MediaRecord{}, newStoreError(opUpsertMedia, "invalid_media_id", fmt.Errorf("%w: %d", ErrInvalidMediaID, record.MediaID))
	}
	record.RefreshedAtSeconds = s.now()
	if record.Genres == nil {
		record.Genres = []string{}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "media_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opUpsertMedia, "upsert_failed", err, zap.Int64("media_id", record.MediaID))
		return MediaRecord{}, newStoreError(opUpsertMedia, "upsert_failed", err)
	}
	return record, nil
}

// CreateEntry appends a new entry to the end of its status bucket.
func (s *Store) CreateEntry(ctx context.Context, draft EntryDraft) (Entry, error) {
	if !draft.Status.Valid() {
		return Entry{}, newStoreError(opCreateEntry, "invalid_status", fmt.Errorf("%w: %q", ErrInvalidStatus, draft.Status))
	}
	score, err := NormalizeScore(draft.Score)
	if err != nil {
		return Entry{}, newStoreError(opCreateEntry, "invalid_score", err)
	}

	var created Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadMediaRecord(tx, draft.MediaID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opCreateEntry, "media_not_found", fmt.Errorf("%w: media id %d", ErrMediaNotFound, draft.MediaID))
		} else if err != nil {
			s.logError(opCreateEntry, "media_select_failed", err, zap.Int64("media_id", draft.MediaID))
			return newStoreError(opCreateEntry, "media_select_failed", err)
		}
		if err := validateProgress(draft.Progress, record); err != nil {
			return newStoreError(opCreateEntry, "invalid_progress", err)
		}

		var existing Entry
		err = tx.Where("media_id = ?", draft.MediaID).Take(&existing).Error
		if err == nil {
			return newStoreError(opCreateEntry, "duplicate_entry", fmt.Errorf("%w: media id %d", ErrDuplicateEntry, draft.MediaID))
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCreateEntry, "entry_select_failed", err, zap.Int64("media_id", draft.MediaID))
			return newStoreError(opCreateEntry, "entry_select_failed", err)
		}

		count, err := countBucket(tx, draft.Status)
		if err != nil {
			s.logError(opCreateEntry, "bucket_count_failed", err, zap.String("status", draft.Status.String()))
			return newStoreError(opCreateEntry, "bucket_count_failed", err)
		}

		created = Entry{
			MediaID:             draft.MediaID,
			RemoteID:            draft.RemoteID,
			Status:              draft.Status,
			Progress:            draft.Progress,
			Score:               score,
			SortOrder:           int(count),
			Dirty:               draft.Dirty,
			LastModifiedSeconds: s.now(),
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreateEntry, "entry_insert_failed", err, zap.Int64("media_id", draft.MediaID))
			return newStoreError(opCreateEntry, "entry_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	return created, nil
}

// UpdateProgress sets the watched episode count and marks the entry dirty.
func (s *Store) UpdateProgress(ctx context.Context, localID int64, progress int) (Entry, error) {
	return s.updateEntry(ctx, opUpdateProgress, localID, func(tx *gorm.DB, entry *Entry) error {
		record, err := loadMediaRecord(tx, entry.MediaID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opUpdateProgress, "media_select_failed", err)
		}
		if err := validateProgress(progress, record); err != nil {
			return newStoreError(opUpdateProgress, "invalid_progress", err)
		}
		entry.Progress = progress
		entry.Dirty = true
		return nil
	})
}

// UpdateStatus reassigns the entry's status; a change of bucket behaves like MoveToStatus.
func (s *Store) UpdateStatus(ctx context.Context, localID int64, status Status) (Entry, error) {
	return s.changeStatus(ctx, opUpdateStatus, localID, status)
}

// MoveToStatus appends the entry to the end of the destination bucket and
// compacts the bucket it left.
func (s *Store) MoveToStatus(ctx context.Context, localID int64, status Status) (Entry, error) {
	return s.changeStatus(ctx, opMoveToStatus, localID, status)
}

func (s *Store) changeStatus(ctx context.Context, operation string, localID int64, status Status) (Entry, error) {
	if !status.Valid() {
		return Entry{}, newStoreError(operation, "invalid_status", fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}
	return s.updateEntry(ctx, operation, localID, func(_ *gorm.DB, entry *Entry) error {
		entry.Status = status
		entry.Dirty = true
		return nil
	})
}

// UpdateScore sets or clears the score. A zero score clears it.
func (s *Store) UpdateScore(ctx context.Context, localID int64, score *float64) (Entry, error) {
	normalized, err := NormalizeScore(score)
	if err != nil {
		return Entry{}, newStoreError(opUpdateScore, "invalid_score", err)
	}
	return s.updateEntry(ctx, opUpdateScore, localID, func(_ *gorm.DB, entry *Entry) error {
		entry.Score = normalized
		entry.Dirty = true
		return nil
	})
}

// Reorder moves the entry at fromIndex to toIndex within the bucket and marks
// the whole bucket dirty.
func (s *Store) Reorder(ctx context.Context, status Status, fromIndex, toIndex int) ([]Entry, error) {
	if !status.Valid() {
		return nil, newStoreError(opReorder, "invalid_status", fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	var reordered []Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := listBucket(tx, status)
		if err != nil {
			s.logError(opReorder, "bucket_select_failed", err, zap.String("status", status.String()))
			return newStoreError(opReorder, "bucket_select_failed", err)
		}
		count := len(entries)
		if fromIndex < 0 || fromIndex >= count || toIndex < 0 || toIndex >= count {
			return newStoreError(opReorder, "invalid_index",
				fmt.Errorf("%w: from %d to %d in bucket of %d", ErrInvalidIndex, fromIndex, toIndex, count))
		}

		moved := entries[fromIndex]
		remaining := append(append([]Entry{}, entries[:fromIndex]...), entries[fromIndex+1:]...)
		ordered := make([]Entry, 0, count)
		ordered = append(ordered, remaining[:toIndex]...)
		ordered = append(ordered, moved)
		ordered = append(ordered, remaining[toIndex:]...)

		modifiedAt := s.now()
		for index := range ordered {
			ordered[index].SortOrder = index
			ordered[index].Dirty = true
			ordered[index].LastModifiedSeconds = modifiedAt
			if err := tx.Save(&ordered[index]).Error; err != nil {
				s.logError(opReorder, "entry_save_failed", err, zap.Int64("local_id", ordered[index].LocalID))
				return newStoreError(opReorder, "entry_save_failed", err)
			}
		}
		reordered = ordered
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return reordered, nil
}

// Delete removes the entry and compacts its bucket.
func (s *Store) Delete(ctx context.Context, localID int64) (Entry, error) {
	var removed Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := loadEntry(tx, "local_id = ?", localID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opDelete, "not_found", fmt.Errorf("%w: local id %d", ErrNotFound, localID))
		} else if err != nil {
			s.logError(opDelete, "entry_select_failed", err, zap.Int64("local_id", localID))
			return newStoreError(opDelete, "entry_select_failed", err)
		}
		if err := s.removeEntry(tx, opDelete, entry); err != nil {
			return err
		}
		removed = entry
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	return removed, nil
}

// DeleteIfClean removes the entry for the media id unless it carries unsynced
// local changes. It reports whether a row was removed.
func (s *Store) DeleteIfClean(ctx context.Context, mediaID int64) (bool, error) {
	deleted := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := loadEntry(tx, "media_id = ?", mediaID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		} else if err != nil {
			s.logError(opDeleteIfClean, "entry_select_failed", err, zap.Int64("media_id", mediaID))
			return newStoreError(opDeleteIfClean, "entry_select_failed", err)
		}
		if entry.Dirty {
			return nil
		}
		if err := s.removeEntry(tx, opDeleteIfClean, entry); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return deleted, nil
}

// ApplyRemoteState overwrites a clean entry with the remote's values. Dirty
// entries are left untouched and reported as not applied.
func (s *Store) ApplyRemoteState(ctx context.Context, mediaID int64, state RemoteState) (Entry, bool, error) {
	if !state.Status.Valid() {
		return Entry{}, false, newStoreError(opApplyRemoteState, "invalid_status", fmt.Errorf("%w: %q", ErrInvalidStatus, state.Status))
	}
	score, err := NormalizeScore(state.Score)
	if err != nil {
		return Entry{}, false, newStoreError(opApplyRemoteState, "invalid_score", err)
	}

	var result Entry
	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := loadEntry(tx, "media_id = ?", mediaID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opApplyRemoteState, "not_found", fmt.Errorf("%w: media id %d", ErrNotFound, mediaID))
		} else if err != nil {
			s.logError(opApplyRemoteState, "entry_select_failed", err, zap.Int64("media_id", mediaID))
			return newStoreError(opApplyRemoteState, "entry_select_failed", err)
		}
		if entry.Dirty {
			result = entry
			return nil
		}

		previousStatus := entry.Status
		entry.Status = state.Status
		entry.Progress = state.Progress
		entry.Score = score
		if state.RemoteID != nil {
			entry.RemoteID = state.RemoteID
		}
		if err := s.saveEntry(tx, opApplyRemoteState, &entry, previousStatus); err != nil {
			return err
		}
		result = entry
		applied = true
		return nil
	})
	if txErr != nil {
		return Entry{}, false, txErr
	}
	return result, applied, nil
}

// MarkClean clears the dirty flag for the media id and records the remote id when known.
func (s *Store) MarkClean(ctx context.Context, mediaID int64, remoteID *int64) error {
	updates := map[string]any{"dirty": false}
	if remoteID != nil {
		updates["remote_id"] = *remoteID
	}
	result := s.db.WithContext(ctx).Model(&Entry{}).Where("media_id = ?", mediaID).Updates(updates)
	if result.Error != nil {
		s.logError(opMarkClean, "update_failed", result.Error, zap.Int64("media_id", mediaID))
		return newStoreError(opMarkClean, "update_failed", result.Error)
	}
	return nil
}

// ListByStatus returns the bucket ordered by sort order.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Entry, error) {
	if !status.Valid() {
		return nil, newStoreError(opListByStatus, "invalid_status", fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}
	entries, err := listBucket(s.db.WithContext(ctx), status)
	if err != nil {
		s.logError(opListByStatus, "query_failed", err, zap.String("status", status.String()))
		return nil, newStoreError(opListByStatus, "query_failed", err)
	}
	return entries, nil
}

// ListAll returns every entry grouped by status and ordered within each bucket.
func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Order("status ASC").
		Order("sort_order ASC").
		Order("local_id ASC").
		Find(&entries).Error; err != nil {
		s.logError(opListAll, "query_failed", err)
		return nil, newStoreError(opListAll, "query_failed", err)
	}
	return entries, nil
}

// FindByLocalID returns the entry with the local id.
func (s *Store) FindByLocalID(ctx context.Context, localID int64) (Entry, error) {
	return s.findEntry(ctx, "local_id = ?", localID)
}

// FindByMediaID returns the entry tracking the media id.
func (s *Store) FindByMediaID(ctx context.Context, mediaID int64) (Entry, error) {
	return s.findEntry(ctx, "media_id = ?", mediaID)
}

// FindByRemoteID returns the entry bound to the remote list-entry id.
func (s *Store) FindByRemoteID(ctx context.Context, remoteID int64) (Entry, error) {
	return s.findEntry(ctx, "remote_id = ?", remoteID)
}

func (s *Store) findEntry(ctx context.Context, query string, key int64) (Entry, error) {
	entry, err := loadEntry(s.db.WithContext(ctx), query, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, newStoreError(opFindEntry, "not_found", fmt.Errorf("%w: %s %d", ErrNotFound, query, key))
	} else if err != nil {
		s.logError(opFindEntry, "query_failed", err)
		return Entry{}, newStoreError(opFindEntry, "query_failed", err)
	}
	return entry, nil
}

// FindMediaRecord returns the catalog record for the media id.
func (s *Store) FindMediaRecord(ctx context.Context, mediaID int64) (MediaRecord, error) {
	record, err := loadMediaRecord(s.db.WithContext(ctx), mediaID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MediaRecord{}, newStoreError(opFindMediaRecord, "not_found", fmt.Errorf("%w: media id %d", ErrNotFound, mediaID))
	} else if err != nil {
		s.logError(opFindMediaRecord, "query_failed", err, zap.Int64("media_id", mediaID))
		return MediaRecord{}, newStoreError(opFindMediaRecord, "query_failed", err)
	}
	return record, nil
}

// CountByStatus returns the number of entries in every bucket.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type bucketCount struct {
		Status Status
		Total  int64
	}
	var rows []bucketCount
	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		s.logError(opCountByStatus, "query_failed", err)
		return nil, newStoreError(opCountByStatus, "query_failed", err)
	}
	counts := make(map[Status]int64, len(Statuses()))
	for _, status := range Statuses() {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// CompactAll renumbers every bucket to 0..n-1.
func (s *Store) CompactAll(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Transaction(CompactBuckets); err != nil {
		s.logError(opCompactAllBuckets, "renumber_failed", err)
		return newStoreError(opCompactAllBuckets, "renumber_failed", err)
	}
	return nil
}

// CompactBuckets renumbers every status bucket inside the supplied transaction.
// Entries keep their relative order; the dirty flag is not touched.
func CompactBuckets(tx *gorm.DB) error {
	for _, status := range Statuses() {
		if err := renumberBucket(tx, status); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) updateEntry(ctx context.Context, operation string, localID int64, apply func(*gorm.DB, *Entry) error) (Entry, error) {
	var updated Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := loadEntry(tx, "local_id = ?", localID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(operation, "not_found", fmt.Errorf("%w: local id %d", ErrNotFound, localID))
		} else if err != nil {
			s.logError(operation, "entry_select_failed", err, zap.Int64("local_id", localID))
			return newStoreError(operation, "entry_select_failed", err)
		}
		previousStatus := entry.Status
		if err := apply(tx, &entry); err != nil {
			return err
		}
		if err := s.saveEntry(tx, operation, &entry, previousStatus); err != nil {
			return err
		}
		updated = entry
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	return updated, nil
}

// saveEntry persists the entry, appending it to its new bucket and compacting
// the old one when the status changed.
func (s *Store) saveEntry(tx *gorm.DB, operation string, entry *Entry, previousStatus Status) error {
	bucketChanged := entry.Status != previousStatus
	if bucketChanged {
		count, err := countBucket(tx, entry.Status)
		if err != nil {
			s.logError(operation, "bucket_count_failed", err, zap.String("status", entry.Status.String()))
			return newStoreError(operation, "bucket_count_failed", err)
		}
		entry.SortOrder = int(count)
	}
	entry.LastModifiedSeconds = s.now()
	if err := tx.Save(entry).Error; err != nil {
		s.logError(operation, "entry_save_failed", err, zap.Int64("local_id", entry.LocalID))
		return newStoreError(operation, "entry_save_failed", err)
	}
	if bucketChanged {
		if err := renumberBucket(tx, previousStatus); err != nil {
			s.logError(operation, "renumber_failed", err, zap.String("status", previousStatus.String()))
			return newStoreError(operation, "renumber_failed", err)
		}
	}
	return nil
}

func (s *Store) removeEntry(tx *gorm.DB, operation string, entry Entry) error {
	if err := tx.Delete(&Entry{}, "local_id = ?", entry.LocalID).Error; err != nil {
		s.logError(operation, "entry_delete_failed", err, zap.Int64("local_id", entry.LocalID))
		return newStoreError(operation, "entry_delete_failed", err)
	}
	if err := renumberBucket(tx, entry.Status); err != nil {
		s.logError(operation, "renumber_failed", err, zap.String("status", entry.Status.String()))
		return newStoreError(operation, "renumber_failed", err)
	}
	return nil
}

func (s *Store) now() int64 {
	return s.clock().UTC().Unix()
}

func loadEntry(tx *gorm.DB, query string, key int64) (Entry, error) {
	var entry Entry
	err := tx.Where(query, key).Take(&entry).Error
	return entry, err
}

func loadMediaRecord(tx *gorm.DB, mediaID int64) (MediaRecord, error) {
	var record MediaRecord
	err := tx.Where("media_id = ?", mediaID).Take(&record).Error
	return record, err
}

func listBucket(tx *gorm.DB, status Status) ([]Entry, error) {
	var entries []Entry
	err := tx.Where("status = ?", status).
		Order("sort_order ASC").
		Order("local_id ASC").
		Find(&entries).Error
	return entries, err
}

func countBucket(tx *gorm.DB, status Status) (int64, error) {
	var count int64
	err := tx.Model(&Entry{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func renumberBucket(tx *gorm.DB, status Status) error {
	entries, err := listBucket(tx, status)
	if err != nil {
		return err
	}
	for index, entry := range entries {
		if entry.SortOrder == index {
			continue
		}
		if err := tx.Model(&Entry{}).
			Where("local_id = ?", entry.LocalID).
			Update("sort_order", index).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("library store error", attrs...)
}
