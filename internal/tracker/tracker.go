package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("tracker: store is required")
	errMissingQueue = errors.New("tracker: queue is required")
)

// Store is the slice of the entry store used for user edits.
type Store interface {
	UpsertMediaRecord(ctx context.Context, record library.MediaRecord) (library.MediaRecord, error)
	CreateEntry(ctx context.Context, draft library.EntryDraft) (library.Entry, error)
	UpdateProgress(ctx context.Context, localID int64, progress int) (library.Entry, error)
	UpdateStatus(ctx context.Context, localID int64, status library.Status) (library.Entry, error)
	MoveToStatus(ctx context.Context, localID int64, status library.Status) (library.Entry, error)
	UpdateScore(ctx context.Context, localID int64, score *float64) (library.Entry, error)
	Reorder(ctx context.Context, status library.Status, fromIndex, toIndex int) ([]library.Entry, error)
	Delete(ctx context.Context, localID int64) (library.Entry, error)
	MarkClean(ctx context.Context, mediaID int64, remoteID *int64) error
	ListByStatus(ctx context.Context, status library.Status) ([]library.Entry, error)
}

// Queue records the remote intents produced by edits.
type Queue interface {
	Enqueue(ctx context.Context, mediaID int64, payload queue.Payload) (queue.PendingOperation, error)
	Find(ctx context.Context, mediaID int64) (queue.PendingOperation, bool, error)
}

// DrainRequester is nudged after every edit so the queue drains soon.
type DrainRequester interface {
	RequestDrain()
}

// Config wires the tracker collaborators.
type Config struct {
	Store   Store
	Queue   Queue
	Drainer DrainRequester
	// EditLock must be the lock shared with the sync coordinator.
	EditLock sync.Locker
	Logger   *zap.Logger
}

// AddRequest describes a new list entry.
type AddRequest struct {
	Media    *library.MediaRecord
	MediaID  int64
	Status   library.Status
	Progress int
	Score    *float64
}

// Tracker applies user edits locally and queues them for the remote.
type Tracker struct {
	store    Store
	queue    Queue
	drainer  DrainRequester
	editLock sync.Locker
	logger   *zap.Logger
}

type editKind int

const (
	editProgress editKind = iota
	editStatus
)

// New validates the configuration and constructs a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	editLock := cfg.EditLock
	if editLock == nil {
		editLock = &sync.Mutex{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:    cfg.Store,
		queue:    cfg.Queue,
		drainer:  cfg.Drainer,
		editLock: editLock,
		logger:   logger,
	}, nil
}

// Add creates a dirty entry at the end of its bucket and queues its creation.
func (t *Tracker) Add(ctx context.Context, request AddRequest) (library.Entry, error) {
	var created library.Entry
	err := t.edit(func() error {
		if request.Media != nil {
			record := *request.Media
			record.MediaID = request.MediaID
			if _, err := t.store.UpsertMediaRecord(ctx, record); err != nil {
				return err
			}
		}
		entry, err := t.store.CreateEntry(ctx, library.EntryDraft{
			MediaID:  request.MediaID,
			Status:   request.Status,
			Progress: request.Progress,
			Score:    request.Score,
			Dirty:    true,
		})
		if err != nil {
			return err
		}
		created = entry
		return t.enqueue(ctx, queue.CreateEntry{Status: entry.Status, Progress: entry.Progress, Score: entry.Score}, entry.MediaID)
	})
	return created, err
}

// SetProgress records a new episode count.
func (t *Tracker) SetProgress(ctx context.Context, localID int64, progress int) (library.Entry, error) {
	return t.editEntry(ctx, editProgress, func() (library.Entry, error) {
		return t.store.UpdateProgress(ctx, localID, progress)
	})
}

// SetStatus changes the watch status in place.
func (t *Tracker) SetStatus(ctx context.Context, localID int64, status library.Status) (library.Entry, error) {
	return t.editEntry(ctx, editStatus, func() (library.Entry, error) {
		return t.store.UpdateStatus(ctx, localID, status)
	})
}

// Move relocates the entry to the end of another status bucket.
func (t *Tracker) Move(ctx context.Context, localID int64, status library.Status) (library.Entry, error) {
	return t.editEntry(ctx, editStatus, func() (library.Entry, error) {
		return t.store.MoveToStatus(ctx, localID, status)
	})
}

// SetScore records or clears the score.
func (t *Tracker) SetScore(ctx context.Context, localID int64, score *float64) (library.Entry, error) {
	return t.editEntry(ctx, editProgress, func() (library.Entry, error) {
		return t.store.UpdateScore(ctx, localID, score)
	})
}

// Reorder moves an entry within its bucket. The remote list has no ordering,
// so nothing is queued: entries that were clean before the move are marked
// clean again and the rest keep their unsynced state.
func (t *Tracker) Reorder(ctx context.Context, status library.Status, fromIndex, toIndex int) ([]library.Entry, error) {
	var reordered []library.Entry
	err := t.edit(func() error {
		bucket, err := t.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		wasClean := make(map[int64]bool, len(bucket))
		for _, entry := range bucket {
			wasClean[entry.MediaID] = !entry.Dirty
		}

		entries, err := t.store.Reorder(ctx, status, fromIndex, toIndex)
		if err != nil {
			return err
		}
		for i, entry := range entries {
			if !wasClean[entry.MediaID] {
				continue
			}
			if err := t.store.MarkClean(ctx, entry.MediaID, nil); err != nil {
				return err
			}
			entries[i].Dirty = false
		}
		reordered = entries
		return nil
	})
	return reordered, err
}

// Remove deletes the entry locally and queues the local-only deletion marker.
func (t *Tracker) Remove(ctx context.Context, localID int64) (library.Entry, error) {
	var removed library.Entry
	err := t.edit(func() error {
		entry, err := t.store.Delete(ctx, localID)
		if err != nil {
			return err
		}
		removed = entry
		return t.enqueue(ctx, queue.DeleteEntry{}, entry.MediaID)
	})
	return removed, err
}

func (t *Tracker) editEntry(ctx context.Context, kind editKind, mutate func() (library.Entry, error)) (library.Entry, error) {
	var updated library.Entry
	err := t.edit(func() error {
		entry, err := mutate()
		if err != nil {
			return err
		}
		updated = entry
		return t.enqueueIntent(ctx, entry, kind)
	})
	return updated, err
}

func (t *Tracker) edit(apply func() error) error {
	t.editLock.Lock()
	err := apply()
	t.editLock.Unlock()
	if err != nil {
		return err
	}
	if t.drainer != nil {
		t.drainer.RequestDrain()
	}
	return nil
}

func (t *Tracker) enqueueIntent(ctx context.Context, entry library.Entry, kind editKind) error {
	pending, found, err := t.queue.Find(ctx, entry.MediaID)
	if err != nil {
		return err
	}
	var pendingKind queue.Kind
	if found {
		pendingKind = pending.Kind
	}
	return t.enqueue(ctx, mergeIntent(entry, kind, pendingKind), entry.MediaID)
}

func (t *Tracker) enqueue(ctx context.Context, payload queue.Payload, mediaID int64) error {
	if _, err := t.queue.Enqueue(ctx, mediaID, payload); err != nil {
		t.logger.Error("failed to queue local edit",
			zap.Int64("media_id", mediaID),
			zap.String("kind", string(payload.Kind())),
			zap.Error(err))
		return err
	}
	return nil
}

// mergeIntent picks the payload that replaces whatever is queued for the
// entry without losing an earlier edit.
func mergeIntent(entry library.Entry, kind editKind, pendingKind queue.Kind) queue.Payload {
	if pendingKind == queue.KindCreateEntry {
		return queue.CreateEntry{Status: entry.Status, Progress: entry.Progress, Score: entry.Score}
	}
	if kind == editStatus && pendingKind != queue.KindUpdateProgress {
		return queue.UpdateStatus{Status: entry.Status}
	}
	status := entry.Status
	return queue.UpdateProgress{Progress: entry.Progress, Status: &status, Score: scoreIntent(entry.Score)}
}

// scoreIntent maps an unset score to zero, which clears it remotely.
func scoreIntent(score *float64) *float64 {
	value := 0.0
	if score != nil {
		value = *score
	}
	return &value
}
