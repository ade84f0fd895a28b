package reconcile

import (
	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/remote"
)

// Action is the per-entry merge decision.
type Action string

const (
	// ActionCreate adds a clean local entry for a media id only the remote knows.
	ActionCreate Action = "create"
	// ActionOverwrite replaces a clean local entry with the remote state.
	ActionOverwrite Action = "overwrite"
	// ActionUnchanged marks a clean local entry that already matches the remote;
	// only its last-modified time is refreshed.
	ActionUnchanged Action = "unchanged"
	// ActionKeepLocal leaves a dirty local entry for the pending queue to push.
	ActionKeepLocal Action = "keep_local"
	// ActionDelete removes a clean local entry the remote no longer lists.
	ActionDelete Action = "delete"
	// ActionPreserveStale keeps a dirty local entry the remote no longer lists.
	ActionPreserveStale Action = "preserve_stale"
)

func resolveEntry(local *library.Entry, incoming remote.RemoteEntry) Action {
	switch {
	case local == nil:
		return ActionCreate
	case local.Dirty:
		return ActionKeepLocal
	case matchesRemote(*local, incoming):
		return ActionUnchanged
	default:
		return ActionOverwrite
	}
}

func resolveStale(local library.Entry) Action {
	if local.Dirty {
		return ActionPreserveStale
	}
	return ActionDelete
}

func matchesRemote(local library.Entry, incoming remote.RemoteEntry) bool {
	if local.Status != incoming.Status || local.Progress != incoming.Progress {
		return false
	}
	if local.RemoteID == nil || *local.RemoteID != incoming.RemoteID {
		return false
	}
	return sameScore(local.Score, incoming.Score)
}

func sameScore(left, right *float64) bool {
	leftValue, rightValue := 0.0, 0.0
	if left != nil {
		leftValue = *left
	}
	if right != nil {
		rightValue = *right
	}
	return leftValue == rightValue
}
