package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/remote"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("reconcile: entry store is required")

// Store is the slice of the entry store the reconciler writes through.
type Store interface {
	UpsertMediaRecord(ctx context.Context, record library.MediaRecord) (library.MediaRecord, error)
	ListAll(ctx context.Context) ([]library.Entry, error)
	CreateEntry(ctx context.Context, draft library.EntryDraft) (library.Entry, error)
	ApplyRemoteState(ctx context.Context, mediaID int64, state library.RemoteState) (library.Entry, bool, error)
	DeleteIfClean(ctx context.Context, mediaID int64) (bool, error)
}

// Config wires the Reconciler collaborators.
type Config struct {
	Store  Store
	Logger *zap.Logger
}

// Options selects the reconcile passes.
type Options struct {
	// DetectDeletions removes clean local entries that the snapshot no longer lists.
	DetectDeletions bool
}

// Result counts the decisions taken for one snapshot.
type Result struct {
	Created        int
	Updated        int
	Unchanged      int
	KeptLocal      int
	Deleted        int
	PreservedStale int
}

// Reconciler merges a full remote snapshot into the entry store. Clean entries
// follow the remote; dirty entries are never overwritten or deleted.
type Reconciler struct {
	store  Store
	logger *zap.Logger
}

// New validates the configuration and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: cfg.Store, logger: logger}, nil
}

// Reconcile applies the snapshot. Store failures abort the run.
func (r *Reconciler) Reconcile(ctx context.Context, snapshot []remote.RemoteEntry, opts Options) (Result, error) {
	existing, err := r.store.ListAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: list local entries: %w", err)
	}
	localByMedia := make(map[int64]library.Entry, len(existing))
	for _, entry := range existing {
		localByMedia[entry.MediaID] = entry
	}

	var result Result
	remoteMediaIDs := make(map[int64]struct{}, len(snapshot))
	for _, incoming := range snapshot {
		if _, duplicate := remoteMediaIDs[incoming.MediaID]; duplicate {
			continue
		}
		remoteMediaIDs[incoming.MediaID] = struct{}{}

		record := incoming.Media
		record.MediaID = incoming.MediaID
		if _, err := r.store.UpsertMediaRecord(ctx, record); err != nil {
			return result, fmt.Errorf("reconcile: upsert media %d: %w", incoming.MediaID, err)
		}

		var localPtr *library.Entry
		if local, ok := localByMedia[incoming.MediaID]; ok {
			localPtr = &local
		}

		action := resolveEntry(localPtr, incoming)
		action, err = r.apply(ctx, action, incoming)
		if err != nil {
			return result, err
		}
		result.record(action)
	}

	if !opts.DetectDeletions {
		return result, nil
	}

	for _, local := range existing {
		if _, present := remoteMediaIDs[local.MediaID]; present {
			continue
		}
		action := resolveStale(local)
		if action == ActionDelete {
			deleted, err := r.store.DeleteIfClean(ctx, local.MediaID)
			if err != nil {
				return result, fmt.Errorf("reconcile: delete stale media %d: %w", local.MediaID, err)
			}
			if !deleted {
				action = ActionPreserveStale
			}
		}
		if action == ActionPreserveStale {
			r.logger.Debug("stale entry preserved with unsynced changes", zap.Int64("media_id", local.MediaID))
		}
		result.record(action)
	}
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, action Action, incoming remote.RemoteEntry) (Action, error) {
	remoteID := incoming.RemoteID
	switch action {
	case ActionCreate:
		_, err := r.store.CreateEntry(ctx, library.EntryDraft{
			MediaID:  incoming.MediaID,
			RemoteID: &remoteID,
			Status:   incoming.Status,
			Progress: incoming.Progress,
			Score:    incoming.Score,
			Dirty:    false,
		})
		if errors.Is(err, library.ErrDuplicateEntry) {
			// Added locally after the snapshot of local entries was taken.
			return ActionKeepLocal, nil
		}
		if errors.Is(err, library.ErrInvalidProgress) {
			state := library.RemoteState{RemoteID: &remoteID, Status: incoming.Status, Progress: incoming.Progress, Score: incoming.Score}
			return r.createUnchecked(ctx, incoming.MediaID, state)
		}
		if err != nil {
			return action, fmt.Errorf("reconcile: create media %d: %w", incoming.MediaID, err)
		}
		return action, nil
	case ActionOverwrite, ActionUnchanged:
		_, applied, err := r.store.ApplyRemoteState(ctx, incoming.MediaID, library.RemoteState{
			RemoteID: &remoteID,
			Status:   incoming.Status,
			Progress: incoming.Progress,
			Score:    incoming.Score,
		})
		if err != nil {
			return action, fmt.Errorf("reconcile: overwrite media %d: %w", incoming.MediaID, err)
		}
		if !applied {
			return ActionKeepLocal, nil
		}
		return action, nil
	default:
		return action, nil
	}
}

// createUnchecked stores a remote entry whose progress exceeds the known
// episode count: the remote stays authoritative for clean entries.
func (r *Reconciler) createUnchecked(ctx context.Context, mediaID int64, state library.RemoteState) (Action, error) {
	if _, err := r.store.CreateEntry(ctx, library.EntryDraft{
		MediaID:  mediaID,
		RemoteID: state.RemoteID,
		Status:   state.Status,
		Score:    state.Score,
	}); err != nil {
		return ActionCreate, fmt.Errorf("reconcile: create media %d: %w", mediaID, err)
	}
	if _, _, err := r.store.ApplyRemoteState(ctx, mediaID, state); err != nil {
		return ActionCreate, fmt.Errorf("reconcile: apply progress for media %d: %w", mediaID, err)
	}
	r.logger.Warn("remote progress exceeds known episode count",
		zap.Int64("media_id", mediaID),
		zap.Int("progress", state.Progress))
	return ActionCreate, nil
}

func (r *Result) record(action Action) {
	switch action {
	case ActionCreate:
		r.Created++
	case ActionOverwrite:
		r.Updated++
	case ActionUnchanged:
		r.Unchanged++
	case ActionKeepLocal:
		r.KeptLocal++
	case ActionDelete:
		r.Deleted++
	case ActionPreserveStale:
		r.PreservedStale++
	}
}
