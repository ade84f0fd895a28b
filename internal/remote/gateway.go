package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
)

// ErrorKind classifies a failed remote call.
type ErrorKind string

const (
	// KindUnauthenticated means the credential is missing, expired, or rejected.
	KindUnauthenticated ErrorKind = "unauthenticated"
	// KindRateLimited means the remote asked the client to slow down.
	KindRateLimited ErrorKind = "rate_limited"
	// KindRateLimitExceeded means rate limiting persisted through every retry.
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	// KindServerError means the remote failed with a 5xx status.
	KindServerError ErrorKind = "server_error"
	// KindMalformed means the response could not be decoded.
	KindMalformed ErrorKind = "malformed"
	// KindRejected means the remote refused the request for a reason other than auth or rate limits.
	KindRejected ErrorKind = "rejected"
	// KindUnreachable means no response arrived: transport failure or timeout.
	KindUnreachable ErrorKind = "unreachable"
)

// Error is the classified failure returned by every Gateway call.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote.%s (status %d): %s", e.Kind, e.StatusCode, message)
	}
	return fmt.Sprintf("remote.%s: %s", e.Kind, message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from err.
func KindOf(err error) (ErrorKind, bool) {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	actual, ok := KindOf(err)
	return ok && actual == kind
}

// IsRetryable reports whether the failure is transient at the gateway level.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindRateLimited || kind == KindServerError
}

// RemoteEntry is one list entry of a full-list snapshot with its catalog data.
type RemoteEntry struct {
	RemoteID int64
	MediaID  int64
	Status   library.Status
	Progress int
	Score    *float64
	Media    library.MediaRecord
}

// ConfirmedEntry is the remote's canonical state after a mutation.
type ConfirmedEntry struct {
	RemoteID int64
	MediaID  int64
	Status   library.Status
	Progress int
	Score    *float64
}

// ProgressUpdate is the full intent pushed by ApplyProgress. A nil Status or
// Score leaves that field unchanged remotely; a zero Score clears it.
type ProgressUpdate struct {
	MediaID  int64
	Progress int
	Status   *library.Status
	Score    *float64
}

// Gateway executes the logical remote operations.
type Gateway interface {
	FetchFullList(ctx context.Context, userID string) ([]RemoteEntry, error)
	ApplyProgress(ctx context.Context, update ProgressUpdate) (ConfirmedEntry, error)
	ApplyStatus(ctx context.Context, mediaID int64, status library.Status) (ConfirmedEntry, error)
}
