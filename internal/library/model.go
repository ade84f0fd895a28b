package library

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Status enumerates the list buckets an entry can belong to.
type Status string

const (
	// StatusWatching marks media the user is currently watching.
	StatusWatching Status = "watching"
	// StatusCompleted marks finished media.
	StatusCompleted Status = "completed"
	// StatusPlanToWatch marks media queued for later.
	StatusPlanToWatch Status = "plan_to_watch"
	// StatusOnHold marks paused media.
	StatusOnHold Status = "on_hold"
	// StatusDropped marks abandoned media.
	StatusDropped Status = "dropped"
)

const maxScore = 10.0

var (
	// ErrDuplicateEntry indicates that an entry for the media id already exists.
	ErrDuplicateEntry = errors.New("library: duplicate entry")
	// ErrNotFound indicates that the requested entry or media record does not exist.
	ErrNotFound = errors.New("library: not found")
	// ErrMediaNotFound indicates that an entry references an unknown media record.
	ErrMediaNotFound = errors.New("library: media record not found")
	// ErrInvalidIndex indicates that a reorder index is outside the bucket.
	ErrInvalidIndex = errors.New("library: invalid index")
	// ErrInvalidStatus indicates that a status value is not one of the known buckets.
	ErrInvalidStatus = errors.New("library: invalid status")
	// ErrInvalidProgress indicates a negative progress or one beyond the known episode count.
	ErrInvalidProgress = errors.New("library: invalid progress")
	// ErrInvalidScore indicates a score outside (0, 10].
	ErrInvalidScore = errors.New("library: invalid score")
	// ErrInvalidMediaID indicates that a media id is not positive.
	ErrInvalidMediaID = errors.New("library: invalid media id")
)

// Statuses returns every bucket in display order.
func Statuses() []Status {
	return []Status{StatusWatching, StatusCompleted, StatusPlanToWatch, StatusOnHold, StatusDropped}
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	candidate := Status(strings.ToLower(strings.TrimSpace(rawInput)))
	if !candidate.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
	return candidate, nil
}

// Valid reports whether the status is a known bucket.
func (s Status) Valid() bool {
	switch s {
	case StatusWatching, StatusCompleted, StatusPlanToWatch, StatusOnHold, StatusDropped:
		return true
	default:
		return false
	}
}

// String returns the underlying status value.
func (s Status) String() string {
	return string(s)
}

// NormalizeScore maps a zero score to nil and rejects values outside (0, 10].
func NormalizeScore(score *float64) (*float64, error) {
	if score == nil {
		return nil, nil
	}
	value := *score
	if math.IsNaN(value) || value < 0 || value > maxScore {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScore, value)
	}
	if value == 0 {
		return nil, nil
	}
	return &value, nil
}

// MediaRecord holds catalog data for one piece of media.
type MediaRecord struct {
	MediaID            int64    `gorm:"column:media_id;primaryKey;autoIncrement:false"`
	TitleRomaji        string   `gorm:"column:title_romaji;size:512;not null;default:''"`
	TitleEnglish       string   `gorm:"column:title_english;size:512;not null;default:''"`
	TitleNative        string   `gorm:"column:title_native;size:512;not null;default:''"`
	CoverLargeURL      string   `gorm:"column:cover_large_url;size:1024;not null;default:''"`
	CoverMediumURL     string   `gorm:"column:cover_medium_url;size:1024;not null;default:''"`
	Episodes           *int     `gorm:"column:episodes"`
	Format             string   `gorm:"column:format;size:32;not null;default:''"`
	Genres             []string `gorm:"column:genres;serializer:json"`
	Synopsis           string   `gorm:"column:synopsis;type:text;not null;default:''"`
	RefreshedAtSeconds int64    `gorm:"column:refreshed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MediaRecord) TableName() string {
	return "media_records"
}

// DisplayTitle prefers the english title and falls back to romaji then native.
func (m MediaRecord) DisplayTitle() string {
	for _, candidate := range []string{m.TitleEnglish, m.TitleRomaji, m.TitleNative} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return fmt.Sprintf("media %d", m.MediaID)
}

// Entry is the user's relationship to one media record.
type Entry struct {
	LocalID             int64    `gorm:"column:local_id;primaryKey;autoIncrement"`
	MediaID             int64    `gorm:"column:media_id;not null;uniqueIndex:idx_entries_media"`
	RemoteID            *int64   `gorm:"column:remote_id;index:idx_entries_remote"`
	Status              Status   `gorm:"column:status;size:32;not null;index:idx_entries_bucket,priority:1"`
	Progress            int      `gorm:"column:progress;not null;default:0"`
	Score               *float64 `gorm:"column:score"`
	SortOrder           int      `gorm:"column:sort_order;not null;default:0;index:idx_entries_bucket,priority:2"`
	Dirty               bool     `gorm:"column:dirty;not null;default:false"`
	LastModifiedSeconds int64    `gorm:"column:last_modified_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "library_entries"
}

// EntryDraft describes a new entry.
type EntryDraft struct {
	MediaID  int64
	RemoteID *int64
	Status   Status
	Progress int
	Score    *float64
	Dirty    bool
}

// RemoteState is the remote's view of one entry, applied by sync.
type RemoteState struct {
	RemoteID *int64
	Status   Status
	Progress int
	Score    *float64
}

func validateProgress(progress int, record MediaRecord) error {
	if progress < 0 {
		return fmt.Errorf("%w: %d is negative", ErrInvalidProgress, progress)
	}
	if record.Episodes != nil && *record.Episodes > 0 && progress > *record.Episodes {
		return fmt.Errorf("%w: %d exceeds %d episodes", ErrInvalidProgress, progress, *record.Episodes)
	}
	return nil
}
