package remote

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultInitialInterval is the first backoff delay.
	DefaultInitialInterval = time.Second
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
)

// RetryConfig wires the retry decorator.
type RetryConfig struct {
	Next            Gateway
	InitialInterval time.Duration
	MaxRetries      int
	// Timer drives the waits between attempts; nil selects a real timer.
	Timer  backoff.Timer
	Logger *zap.Logger
}

// RetryingGateway retries rate-limited and server-failed calls with
// exponential backoff. Every other failure is returned on the first attempt.
type RetryingGateway struct {
	next            Gateway
	initialInterval time.Duration
	maxRetries      int
	timer           backoff.Timer
	logger          *zap.Logger
}

// NewRetryingGateway decorates cfg.Next with the retry policy.
func NewRetryingGateway(cfg RetryConfig) *RetryingGateway {
	initialInterval := cfg.InitialInterval
	if initialInterval <= 0 {
		initialInterval = DefaultInitialInterval
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingGateway{
		next:            cfg.Next,
		initialInterval: initialInterval,
		maxRetries:      maxRetries,
		timer:           cfg.Timer,
		logger:          logger,
	}
}

// FetchFullList retries the wrapped fetch.
func (g *RetryingGateway) FetchFullList(ctx context.Context, userID string) ([]RemoteEntry, error) {
	var entries []RemoteEntry
	err := g.run(ctx, "fetch_full_list", func() error {
		fetched, err := g.next.FetchFullList(ctx, userID)
		if err != nil {
			return err
		}
		entries = fetched
		return nil
	})
	return entries, err
}

// ApplyProgress retries the wrapped mutation.
func (g *RetryingGateway) ApplyProgress(ctx context.Context, update ProgressUpdate) (ConfirmedEntry, error) {
	var confirmed ConfirmedEntry
	err := g.run(ctx, "apply_progress", func() error {
		result, err := g.next.ApplyProgress(ctx, update)
		if err != nil {
			return err
		}
		confirmed = result
		return nil
	})
	return confirmed, err
}

// ApplyStatus retries the wrapped mutation.
func (g *RetryingGateway) ApplyStatus(ctx context.Context, mediaID int64, status library.Status) (ConfirmedEntry, error) {
	var confirmed ConfirmedEntry
	err := g.run(ctx, "apply_status", func() error {
		result, err := g.next.ApplyStatus(ctx, mediaID, status)
		if err != nil {
			return err
		}
		confirmed = result
		return nil
	})
	return confirmed, err
}

func (g *RetryingGateway) run(ctx context.Context, operation string, call func() error) error {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = g.initialInterval
	exponential.RandomizationFactor = 0
	exponential.Multiplier = 2
	exponential.MaxInterval = g.initialInterval << g.maxRetries
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	policy := &hintedBackOff{BackOff: backoff.WithMaxRetries(exponential, uint64(g.maxRetries))}

	attempt := 0
	err := backoff.RetryNotifyWithTimer(func() error {
		attempt++
		err := call()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		var remoteErr *Error
		if errors.As(err, &remoteErr) {
			policy.hint = remoteErr.RetryAfter
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, delay time.Duration) {
		kind, _ := KindOf(err)
		g.logger.Warn("remote call retrying",
			zap.String("operation", operation),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
	}, g.timer)
	if err == nil {
		return nil
	}

	if IsKind(err, KindRateLimited) {
		return &Error{
			Kind:    KindRateLimitExceeded,
			Message: "rate limited on every attempt",
			Err:     err,
		}
	}
	return err
}

// hintedBackOff shortens the next delay to the server's retry-after hint when
// the hint is the smaller of the two.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.hint
	b.hint = 0
	if next == backoff.Stop {
		return next
	}
	if hint > 0 && hint < next {
		return hint
	}
	return next
}
