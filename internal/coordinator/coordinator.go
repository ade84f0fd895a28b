package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/connectivity"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/reconcile"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/remote"
	"go.uber.org/zap"
)

const (
	// DefaultDebounce delays the drain that follows a connectivity restoration.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultRefreshInterval is the cadence of the periodic synchronize run.
	DefaultRefreshInterval = 15 * time.Minute
)

var (
	// ErrOffline is returned by runs that need the remote while connectivity is down.
	ErrOffline = errors.New("coordinator: offline")
	// ErrUnauthenticated is returned when no usable credentials exist or the remote rejected them.
	ErrUnauthenticated = errors.New("coordinator: authentication required")

	errMissingStore        = errors.New("coordinator: store is required")
	errMissingQueue        = errors.New("coordinator: queue is required")
	errMissingReconciler   = errors.New("coordinator: reconciler is required")
	errMissingGateway      = errors.New("coordinator: gateway is required")
	errMissingConnectivity = errors.New("coordinator: connectivity signal is required")
	errMissingCredentials  = errors.New("coordinator: credential source is required")
	errAlreadyStarted      = errors.New("coordinator: already started")
)

// Mode names the kind of sync run.
type Mode string

const (
	ModeBootstrap   Mode = "bootstrap"
	ModeRefresh     Mode = "refresh"
	ModeDrain       Mode = "drain"
	ModeSynchronize Mode = "synchronize"
)

// Store is the slice of the entry store the coordinator writes to.
type Store interface {
	MarkClean(ctx context.Context, mediaID int64, remoteID *int64) error
}

// Queue is the pending operation queue contract.
type Queue interface {
	Drain(ctx context.Context) ([]queue.PendingOperation, error)
	MarkSucceeded(ctx context.Context, operation queue.PendingOperation) (bool, error)
	MarkFailed(ctx context.Context, operation queue.PendingOperation) (queue.FailureOutcome, error)
	Find(ctx context.Context, mediaID int64) (queue.PendingOperation, bool, error)
	Len(ctx context.Context) (int64, error)
}

// Reconciler merges remote snapshots into the store.
type Reconciler interface {
	Reconcile(ctx context.Context, snapshot []remote.RemoteEntry, opts reconcile.Options) (reconcile.Result, error)
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Config wires the coordinator collaborators.
type Config struct {
	Store        Store
	Queue        Queue
	Reconciler   Reconciler
	Gateway      remote.Gateway
	Connectivity connectivity.Signal
	Credentials  auth.CredentialSource
	Observer     Observer
	Logger       *zap.Logger
	Clock        func() time.Time

	// EditLock serializes local edits with drain bookkeeping. Share it with the tracker.
	EditLock sync.Locker

	Debounce time.Duration
	// RefreshInterval of zero selects the default; a negative value disables the periodic run.
	RefreshInterval time.Duration
	// SyncOnStart runs Synchronize as soon as Start is called.
	SyncOnStart bool

	// AfterFunc schedules debounced callbacks; defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Attempted  int
	Succeeded  int
	Failed     int
	Dropped    int
	Superseded int
	Halted     bool
}

// RunResult summarizes one sync run.
type RunResult struct {
	Mode       Mode
	Skipped    bool
	Drain      DrainResult
	Reconcile  reconcile.Result
	StartedAt  time.Time
	FinishedAt time.Time
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Running           bool
	Online            bool
	PendingOperations int64
	LastRun           *RunResult
	LastError         string
}

// Coordinator is the single entry point for every sync run.
type Coordinator struct {
	store        Store
	queue        Queue
	reconciler   Reconciler
	gateway      remote.Gateway
	connectivity connectivity.Signal
	credentials  auth.CredentialSource
	observer     Observer
	logger       *zap.Logger
	clock        func() time.Time
	editLock     sync.Locker

	debounce        time.Duration
	refreshInterval time.Duration
	syncOnStart     bool
	afterFunc       func(time.Duration, func()) Timer

	running atomic.Bool
	// syncOwed is set when a background Synchronize could not reach the remote;
	// the next debounced trigger runs Synchronize instead of a drain.
	syncOwed atomic.Bool

	statusMu  sync.RWMutex
	lastRun   *RunResult
	lastError string

	debounceMu   sync.Mutex
	pending      Timer
	generation   uint64
	lifecycleMu  sync.Mutex
	started      bool
	stopped      bool
	runCtx       context.Context
	cancel       context.CancelFunc
	unsubscribe  func()
	backgroundWG sync.WaitGroup
}

// New validates the configuration and constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.Reconciler == nil:
		return nil, errMissingReconciler
	case cfg.Gateway == nil:
		return nil, errMissingGateway
	case cfg.Connectivity == nil:
		return nil, errMissingConnectivity
	case cfg.Credentials == nil:
		return nil, errMissingCredentials
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	editLock := cfg.EditLock
	if editLock == nil {
		editLock = &sync.Mutex{}
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval == 0 {
		refreshInterval = DefaultRefreshInterval
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(delay time.Duration, fn func()) Timer {
			return time.AfterFunc(delay, fn)
		}
	}

	return &Coordinator{
		store:           cfg.Store,
		queue:           cfg.Queue,
		reconciler:      cfg.Reconciler,
		gateway:         cfg.Gateway,
		connectivity:    cfg.Connectivity,
		credentials:     cfg.Credentials,
		observer:        observer,
		logger:          logger,
		clock:           clock,
		editLock:        editLock,
		debounce:        debounce,
		refreshInterval: refreshInterval,
		syncOnStart:     cfg.SyncOnStart,
		afterFunc:       afterFunc,
	}, nil
}

// Bootstrap fetches the full remote list and merges it without removing stale local entries.
func (c *Coordinator) Bootstrap(ctx context.Context) (RunResult, error) {
	return c.runExclusive(ctx, ModeBootstrap, func(ctx context.Context, result *RunResult) error {
		return c.fetchAndReconcile(ctx, result, reconcile.Options{})
	})
}

// Refresh fetches the full remote list and merges it, removing clean entries the remote no longer has.
func (c *Coordinator) Refresh(ctx context.Context) (RunResult, error) {
	return c.runExclusive(ctx, ModeRefresh, func(ctx context.Context, result *RunResult) error {
		return c.fetchAndReconcile(ctx, result, reconcile.Options{DetectDeletions: true})
	})
}

// DrainQueue pushes pending operations in FIFO order. It is a no-op while offline.
func (c *Coordinator) DrainQueue(ctx context.Context) (RunResult, error) {
	return c.runExclusive(ctx, ModeDrain, c.drain)
}

// Synchronize drains the queue and then refreshes, holding the lane for both.
func (c *Coordinator) Synchronize(ctx context.Context) (RunResult, error) {
	return c.runExclusive(ctx, ModeSynchronize, func(ctx context.Context, result *RunResult) error {
		if err := c.drain(ctx, result); err != nil {
			return err
		}
		return c.fetchAndReconcile(ctx, result, reconcile.Options{DetectDeletions: true})
	})
}

// Status reports the current coordinator state.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	depth, err := c.queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	status := Status{
		Running:           c.running.Load(),
		Online:            c.connectivity.Online(),
		PendingOperations: depth,
		LastError:         c.lastError,
	}
	if c.lastRun != nil {
		last := *c.lastRun
		status.LastRun = &last
	}
	return status, nil
}

func (c *Coordinator) runExclusive(ctx context.Context, mode Mode, run func(context.Context, *RunResult) error) (RunResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.observer.RunSkipped(mode)
		return RunResult{Mode: mode, Skipped: true}, nil
	}
	defer c.running.Store(false)

	result := RunResult{Mode: mode, StartedAt: c.clock().UTC()}
	err := run(ctx, &result)
	result.FinishedAt = c.clock().UTC()

	c.statusMu.Lock()
	recorded := result
	c.lastRun = &recorded
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
	c.statusMu.Unlock()

	c.observer.RunFinished(mode, runOutcome(err), result.FinishedAt.Sub(result.StartedAt))
	return result, err
}

func (c *Coordinator) fetchAndReconcile(ctx context.Context, result *RunResult, opts reconcile.Options) error {
	if !c.connectivity.Online() {
		return ErrOffline
	}
	credentials, err := c.credentials.Credentials(ctx)
	if err != nil {
		if auth.IsAuthError(err) {
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return err
	}

	snapshot, err := c.gateway.FetchFullList(ctx, credentials.UserID)
	if err != nil {
		return classifyRemoteError(err)
	}
	reconciled, err := c.reconciler.Reconcile(ctx, snapshot, opts)
	if err != nil {
		return err
	}
	result.Reconcile = reconciled
	c.logger.Debug("remote snapshot reconciled",
		zap.Int("snapshot_size", len(snapshot)),
		zap.Int("created", reconciled.Created),
		zap.Int("updated", reconciled.Updated),
		zap.Int("kept_local", reconciled.KeptLocal),
		zap.Int("deleted", reconciled.Deleted))
	return nil
}

func (c *Coordinator) drain(ctx context.Context, result *RunResult) error {
	if !c.connectivity.Online() {
		return nil
	}
	operations, err := c.queue.Drain(ctx)
	if err != nil {
		return err
	}

	for _, operation := range operations {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Drain.Attempted++

		confirmed, applyErr := c.apply(ctx, operation)
		if applyErr == nil {
			if err := c.completeOperation(ctx, operation, confirmed, &result.Drain); err != nil {
				return err
			}
			continue
		}

		switch {
		case remote.IsKind(applyErr, remote.KindUnauthenticated):
			result.Drain.Halted = true
			c.observer.OperationFinished(operation, OutcomeHalted, applyErr)
			return fmt.Errorf("%w: %w", ErrUnauthenticated, applyErr)
		case remote.IsKind(applyErr, remote.KindUnreachable), errors.Is(applyErr, context.Canceled):
			result.Drain.Halted = true
			c.observer.OperationFinished(operation, OutcomeHalted, applyErr)
			return nil
		}

		outcome, err := c.queue.MarkFailed(ctx, operation)
		if err != nil {
			return err
		}
		operation.RetryCount = outcome.RetryCount
		switch {
		case outcome.Superseded:
			result.Drain.Superseded++
			c.observer.OperationFinished(operation, OutcomeSuperseded, applyErr)
		case outcome.GaveUp:
			result.Drain.Dropped++
			c.observer.OperationFinished(operation, OutcomeDropped, applyErr)
		default:
			result.Drain.Failed++
			c.observer.OperationFinished(operation, OutcomeFailed, applyErr)
		}
	}
	return nil
}

// apply performs the remote call for one operation. A nil confirmation means
// the operation had no remote effect.
func (c *Coordinator) apply(ctx context.Context, operation queue.PendingOperation) (*remote.ConfirmedEntry, error) {
	var (
		confirmed remote.ConfirmedEntry
		err       error
	)
	switch payload := operation.Payload.(type) {
	case queue.DeleteEntry:
		return nil, nil
	case queue.CreateEntry:
		status := payload.Status
		confirmed, err = c.gateway.ApplyProgress(ctx, remote.ProgressUpdate{
			MediaID:  operation.TargetMediaID,
			Progress: payload.Progress,
			Status:   &status,
			Score:    payload.Score,
		})
	case queue.UpdateProgress:
		confirmed, err = c.gateway.ApplyProgress(ctx, remote.ProgressUpdate{
			MediaID:  operation.TargetMediaID,
			Progress: payload.Progress,
			Status:   payload.Status,
			Score:    payload.Score,
		})
	case queue.UpdateStatus:
		confirmed, err = c.gateway.ApplyStatus(ctx, operation.TargetMediaID, payload.Status)
	default:
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownKind, operation.Kind)
	}
	if err != nil {
		return nil, err
	}
	return &confirmed, nil
}

func (c *Coordinator) completeOperation(ctx context.Context, operation queue.PendingOperation, confirmed *remote.ConfirmedEntry, drain *DrainResult) error {
	c.editLock.Lock()
	defer c.editLock.Unlock()

	removed, err := c.queue.MarkSucceeded(ctx, operation)
	if err != nil {
		return err
	}
	if !removed {
		drain.Superseded++
		c.observer.OperationFinished(operation, OutcomeSuperseded, nil)
		return nil
	}
	drain.Succeeded++
	c.observer.OperationFinished(operation, OutcomeSucceeded, nil)

	if confirmed == nil {
		return nil
	}
	if _, newer, err := c.queue.Find(ctx, operation.TargetMediaID); err != nil {
		return err
	} else if newer {
		return nil
	}
	remoteID := confirmed.RemoteID
	return c.store.MarkClean(ctx, operation.TargetMediaID, &remoteID)
}

// Start subscribes to connectivity changes and runs the periodic synchronize
// until ctx ends or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return errAlreadyStarted
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe := c.connectivity.Subscribe(runCtx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.unsubscribe = unsubscribe

	var ticks <-chan time.Time
	var ticker *time.Ticker
	if c.refreshInterval > 0 {
		ticker = time.NewTicker(c.refreshInterval)
		ticks = ticker.C
	}

	c.backgroundWG.Add(1)
	go func() {
		defer c.backgroundWG.Done()
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-runCtx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				c.handleConnectivity(event)
			case <-ticks:
				c.runBackground(ModeSynchronize)
			}
		}
	}()

	if c.syncOnStart {
		c.backgroundWG.Add(1)
		go func() {
			defer c.backgroundWG.Done()
			c.runBackground(ModeSynchronize)
		}()
	}
	return nil
}

// Stop cancels pending triggers and waits for background runs to finish.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	if !c.started || c.stopped {
		c.lifecycleMu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	unsubscribe := c.unsubscribe
	c.lifecycleMu.Unlock()

	c.cancelPending()
	cancel()
	unsubscribe()
	c.backgroundWG.Wait()
}

// RequestDrain schedules a debounced drain. It never blocks.
func (c *Coordinator) RequestDrain() {
	c.schedule()
}

func (c *Coordinator) handleConnectivity(event connectivity.Event) {
	if !event.Online {
		c.cancelPending()
		return
	}
	c.schedule()
}

func (c *Coordinator) schedule() {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.pending != nil {
		c.pending.Stop()
	}
	c.generation++
	generation := c.generation
	c.pending = c.afterFunc(c.debounce, func() {
		c.fire(generation)
	})
}

func (c *Coordinator) cancelPending() {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.generation++
}

func (c *Coordinator) fire(generation uint64) {
	c.debounceMu.Lock()
	if generation != c.generation {
		c.debounceMu.Unlock()
		return
	}
	c.pending = nil
	c.debounceMu.Unlock()

	c.lifecycleMu.Lock()
	if c.stopped {
		c.lifecycleMu.Unlock()
		return
	}
	c.backgroundWG.Add(1)
	c.lifecycleMu.Unlock()
	defer c.backgroundWG.Done()

	mode := ModeDrain
	if c.syncOwed.Swap(false) {
		mode = ModeSynchronize
	}
	c.runBackground(mode)
}

func (c *Coordinator) runBackground(mode Mode) {
	ctx := c.backgroundContext()
	var err error
	switch mode {
	case ModeDrain:
		_, err = c.DrainQueue(ctx)
	default:
		_, err = c.Synchronize(ctx)
	}
	if err == nil {
		return
	}
	if mode == ModeSynchronize && errors.Is(err, ErrOffline) {
		c.syncOwed.Store(true)
	}
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, context.Canceled):
		c.logger.Debug("background sync did not run", zap.String("mode", string(mode)), zap.Error(err))
	case errors.Is(err, ErrUnauthenticated):
		c.logger.Warn("background sync requires authentication", zap.String("mode", string(mode)), zap.Error(err))
	default:
		c.logger.Error("background sync failed", zap.String("mode", string(mode)), zap.Error(err))
	}
}

func (c *Coordinator) backgroundContext() context.Context {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func classifyRemoteError(err error) error {
	switch {
	case remote.IsKind(err, remote.KindUnauthenticated):
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	case remote.IsKind(err, remote.KindUnreachable):
		return fmt.Errorf("%w: %w", ErrOffline, err)
	default:
		return err
	}
}

func runOutcome(err error) string {
	switch {
	case err == nil:
		return RunOutcomeSucceeded
	case errors.Is(err, ErrOffline):
		return RunOutcomeOffline
	case errors.Is(err, ErrUnauthenticated):
		return RunOutcomeUnauthenticated
	default:
		return RunOutcomeFailed
	}
}
