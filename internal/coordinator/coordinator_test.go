package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/connectivity"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/reconcile"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu            sync.Mutex
	snapshot      []remote.RemoteEntry
	fetchErr      error
	applyErr      error
	progressCalls []remote.ProgressUpdate
	statusCalls   []int64
	fetchStarted  chan struct{}
	fetchRelease  chan struct{}
}

func (g *fakeGateway) FetchFullList(ctx context.Context, userID string) ([]remote.RemoteEntry, error) {
	if g.fetchStarted != nil {
		g.fetchStarted <- struct{}{}
		<-g.fetchRelease
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return append([]remote.RemoteEntry(nil), g.snapshot...), nil
}

func (g *fakeGateway) ApplyProgress(ctx context.Context, update remote.ProgressUpdate) (remote.ConfirmedEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.progressCalls = append(g.progressCalls, update)
	if g.applyErr != nil {
		return remote.ConfirmedEntry{}, g.applyErr
	}
	return remote.ConfirmedEntry{RemoteID: 500 + update.MediaID, MediaID: update.MediaID, Progress: update.Progress}, nil
}

func (g *fakeGateway) ApplyStatus(ctx context.Context, mediaID int64, status library.Status) (remote.ConfirmedEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls = append(g.statusCalls, mediaID)
	if g.applyErr != nil {
		return remote.ConfirmedEntry{}, g.applyErr
	}
	return remote.ConfirmedEntry{RemoteID: 500 + mediaID, MediaID: mediaID, Status: status}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.progressCalls) + len(g.statusCalls)
}

type staticCredentials struct {
	err error
}

func (s staticCredentials) Credentials(context.Context) (auth.Credentials, error) {
	if s.err != nil {
		return auth.Credentials{}, s.err
	}
	return auth.Credentials{AccessToken: "token", UserID: "42"}, nil
}

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
	delays []time.Duration
}

func (s *manualScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{fn: fn}
	s.timers = append(s.timers, timer)
	s.delays = append(s.delays, delay)
	return timer
}

func (s *manualScheduler) timer(index int) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[index]
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

type countingObserver struct {
	mu       sync.Mutex
	skipped  int
	outcomes map[OperationOutcome]int
	runs     map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: map[OperationOutcome]int{}, runs: map[string]int{}}
}

func (o *countingObserver) RunSkipped(Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped++
}

func (o *countingObserver) RunFinished(_ Mode, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[outcome]++
}

func (o *countingObserver) OperationFinished(_ queue.PendingOperation, outcome OperationOutcome, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) outcome(outcome OperationOutcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

type harness struct {
	store       *library.Store
	queue       *queue.Queue
	gateway     *fakeGateway
	signal      *connectivity.Broadcaster
	scheduler   *manualScheduler
	observer    *countingObserver
	coordinator *Coordinator
}

func newHarness(t *testing.T, online bool, maxRetries int) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:coordinator_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&library.MediaRecord{}, &library.Entry{}, &queue.OperationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700001000, 0).UTC() }
	store, err := library.NewStore(library.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	pending, err := queue.NewQueue(queue.QueueConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: queue.NewUUIDProvider(),
		MaxRetries: maxRetries,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	reconciler, err := reconcile.New(reconcile.Config{Store: store})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}

	h := &harness{
		store:     store,
		queue:     pending,
		gateway:   &fakeGateway{},
		signal:    connectivity.NewBroadcaster(online),
		scheduler: &manualScheduler{},
		observer:  newCountingObserver(),
	}
	h.coordinator, err = New(Config{
		Store:           store,
		Queue:           pending,
		Reconciler:      reconciler,
		Gateway:         h.gateway,
		Connectivity:    h.signal,
		Credentials:     staticCredentials{},
		Observer:        h.observer,
		Clock:           clock,
		RefreshInterval: -1,
		AfterFunc:       h.scheduler.AfterFunc,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return h
}

func (h *harness) seedDirtyEntry(t *testing.T, mediaID int64, progress int) library.Entry {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.UpsertMediaRecord(ctx, library.MediaRecord{MediaID: mediaID}); err != nil {
		t.Fatalf("failed to seed media: %v", err)
	}
	entry, err := h.store.CreateEntry(ctx, library.EntryDraft{
		MediaID:  mediaID,
		Status:   library.StatusWatching,
		Progress: progress,
		Dirty:    true,
	})
	if err != nil {
		t.Fatalf("failed to seed entry: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mediaID, queue.UpdateProgress{Progress: progress}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	return entry
}

func TestDrainQueueAppliesOperationsAndClearsDirty(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)
	h.seedDirtyEntry(t, 2, 6)

	result, err := h.coordinator.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if result.Drain.Succeeded != 2 {
		t.Fatalf("expected two successes, got %+v", result.Drain)
	}
	if h.gateway.progressCalls[0].MediaID != 1 || h.gateway.progressCalls[1].MediaID != 2 {
		t.Fatalf("expected FIFO order, got %+v", h.gateway.progressCalls)
	}
	entry, err := h.store.FindByMediaID(context.Background(), 1)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if entry.Dirty || entry.RemoteID == nil || *entry.RemoteID != 501 {
		t.Fatalf("expected clean entry with remote id, got %+v", entry)
	}
	depth, err := h.queue.Len(context.Background())
	if err != nil || depth != 0 {
		t.Fatalf("expected empty queue, got %d (%v)", depth, err)
	}
}

func TestDrainQueueIsSilentWhileOffline(t *testing.T) {
	h := newHarness(t, false, 3)
	h.seedDirtyEntry(t, 1, 4)

	result, err := h.coordinator.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("expected no error offline, got %v", err)
	}
	if result.Drain.Attempted != 0 || h.gateway.calls() != 0 {
		t.Fatalf("expected no remote calls offline")
	}
	depth, _ := h.queue.Len(context.Background())
	if depth != 1 {
		t.Fatalf("expected operation to stay queued, got depth %d", depth)
	}
}

func TestDrainQueueDropsOperationAfterMaxFailures(t *testing.T) {
	h := newHarness(t, true, 2)
	h.seedDirtyEntry(t, 1, 4)
	h.gateway.applyErr = &remote.Error{Kind: remote.KindServerError, StatusCode: 503}

	first, err := h.coordinator.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if first.Drain.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", first.Drain)
	}
	second, err := h.coordinator.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if second.Drain.Dropped != 1 || h.observer.outcome(OutcomeDropped) != 1 {
		t.Fatalf("expected operation dropped, got %+v", second.Drain)
	}
	depth, _ := h.queue.Len(context.Background())
	if depth != 0 {
		t.Fatalf("expected dropped operation removed, got depth %d", depth)
	}
	entry, _ := h.store.FindByMediaID(context.Background(), 1)
	if !entry.Dirty {
		t.Fatalf("expected entry to stay dirty after drop")
	}
}

func TestDrainQueueContinuesPastFailedOperation(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)
	ctx := context.Background()
	if _, err := h.store.UpsertMediaRecord(ctx, library.MediaRecord{MediaID: 2}); err != nil {
		t.Fatalf("failed to seed media: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, 2, queue.UpdateStatus{Status: library.Status("bogus")}); err == nil {
		t.Fatalf("expected invalid payload to be rejected")
	}
	if _, err := h.queue.Enqueue(ctx, 2, queue.DeleteEntry{}); err != nil {
		t.Fatalf("failed to enqueue delete: %v", err)
	}
	h.gateway.applyErr = &remote.Error{Kind: remote.KindRejected, StatusCode: 400}

	result, err := h.coordinator.DrainQueue(ctx)
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if result.Drain.Failed != 1 || result.Drain.Succeeded != 1 {
		t.Fatalf("expected failure then local-only delete success, got %+v", result.Drain)
	}
}

func TestDrainQueueHaltsOnAuthenticationFailure(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)
	h.seedDirtyEntry(t, 2, 4)
	h.gateway.applyErr = &remote.Error{Kind: remote.KindUnauthenticated, StatusCode: 401}

	result, err := h.coordinator.DrainQueue(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if !result.Drain.Halted || h.gateway.calls() != 1 {
		t.Fatalf("expected batch to halt after the first call, got %+v", result.Drain)
	}
	operation, found, err := h.queue.Find(context.Background(), 1)
	if err != nil || !found || operation.RetryCount != 0 {
		t.Fatalf("expected retry budget untouched, got %+v found=%v err=%v", operation, found, err)
	}
}

func TestDrainQueueHaltsSilentlyWhenUnreachable(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)
	h.gateway.applyErr = &remote.Error{Kind: remote.KindUnreachable}

	result, err := h.coordinator.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("expected silent halt, got %v", err)
	}
	if !result.Drain.Halted {
		t.Fatalf("expected halted drain")
	}
	operation, _, _ := h.queue.Find(context.Background(), 1)
	if operation.RetryCount != 0 {
		t.Fatalf("expected retry budget untouched, got %d", operation.RetryCount)
	}
}

func TestDrainQueueLeavesEntryDirtyWhenNewerIntentQueued(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)
	ctx := context.Background()

	operations, err := h.queue.Drain(ctx)
	if err != nil || len(operations) != 1 {
		t.Fatalf("expected one queued operation: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, 1, queue.UpdateProgress{Progress: 5}); err != nil {
		t.Fatalf("failed to enqueue replacement: %v", err)
	}

	var drain DrainResult
	confirmed := &remote.ConfirmedEntry{RemoteID: 501, MediaID: 1, Progress: 4}
	if err := h.coordinator.completeOperation(ctx, operations[0], confirmed, &drain); err != nil {
		t.Fatalf("unexpected completion error: %v", err)
	}
	if drain.Superseded != 1 {
		t.Fatalf("expected stale completion to be superseded, got %+v", drain)
	}
	entry, _ := h.store.FindByMediaID(ctx, 1)
	if !entry.Dirty {
		t.Fatalf("expected entry to stay dirty while newer intent is queued")
	}
	depth, _ := h.queue.Len(ctx)
	if depth != 1 {
		t.Fatalf("expected replacement to remain queued, got %d", depth)
	}
}

func TestBootstrapRequiresConnectivityAndCredentials(t *testing.T) {
	h := newHarness(t, false, 3)
	if _, err := h.coordinator.Bootstrap(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected offline error, got %v", err)
	}

	h.signal.Set(true)
	h.coordinator.credentials = staticCredentials{err: auth.ErrMissingToken}
	if _, err := h.coordinator.Bootstrap(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestRefreshReconcilesSnapshot(t *testing.T) {
	h := newHarness(t, true, 3)
	h.gateway.snapshot = []remote.RemoteEntry{{
		RemoteID: 900,
		MediaID:  7,
		Status:   library.StatusCompleted,
		Progress: 12,
		Media:    library.MediaRecord{MediaID: 7, TitleRomaji: "Seven"},
	}}

	result, err := h.coordinator.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if result.Reconcile.Created != 1 {
		t.Fatalf("expected one created entry, got %+v", result.Reconcile)
	}
	status, err := h.coordinator.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.LastRun == nil || status.LastRun.Mode != ModeRefresh || status.LastError != "" {
		t.Fatalf("expected last run recorded, got %+v", status)
	}
}

func TestRefreshMapsUnreachableToOffline(t *testing.T) {
	h := newHarness(t, true, 3)
	h.gateway.fetchErr = &remote.Error{Kind: remote.KindUnreachable}

	if _, err := h.coordinator.Refresh(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected offline error, got %v", err)
	}
	status, _ := h.coordinator.Status(context.Background())
	if status.LastError == "" {
		t.Fatalf("expected last error recorded")
	}
}

func TestConcurrentRunsAreSkipped(t *testing.T) {
	h := newHarness(t, true, 3)
	h.gateway.fetchStarted = make(chan struct{})
	h.gateway.fetchRelease = make(chan struct{})
	h.seedDirtyEntry(t, 1, 4)

	done := make(chan error, 1)
	go func() {
		_, err := h.coordinator.Refresh(context.Background())
		done <- err
	}()
	<-h.gateway.fetchStarted

	result, err := h.coordinator.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("expected skipped run without error, got %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected drain to be skipped while refresh is running")
	}
	if h.gateway.calls() != 0 {
		t.Fatalf("expected skipped run not to touch the remote")
	}
	status, _ := h.coordinator.Status(context.Background())
	if !status.Running {
		t.Fatalf("expected status to report running")
	}

	close(h.gateway.fetchRelease)
	if err := <-done; err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if h.observer.skipped != 1 {
		t.Fatalf("expected one skipped run, got %d", h.observer.skipped)
	}
	if _, err := h.coordinator.DrainQueue(context.Background()); err != nil {
		t.Fatalf("expected lane to be released: %v", err)
	}
	if h.gateway.calls() != 1 {
		t.Fatalf("expected drain after release, got %d calls", h.gateway.calls())
	}
}

func TestRequestDrainDebouncesRepeatedTriggers(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)

	h.coordinator.RequestDrain()
	h.coordinator.RequestDrain()
	if h.scheduler.count() != 2 {
		t.Fatalf("expected two scheduled timers, got %d", h.scheduler.count())
	}
	if !h.scheduler.timer(0).stopped {
		t.Fatalf("expected first timer to be replaced")
	}
	if h.scheduler.delays[1] != DefaultDebounce {
		t.Fatalf("expected default debounce, got %s", h.scheduler.delays[1])
	}

	h.scheduler.timer(0).fn()
	if h.gateway.calls() != 0 {
		t.Fatalf("expected replaced timer to be ignored")
	}
	h.scheduler.timer(1).fn()
	if h.gateway.calls() != 1 {
		t.Fatalf("expected one drain after debounce, got %d calls", h.gateway.calls())
	}
}

func TestOfflineSignalCancelsPendingDrain(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)

	h.coordinator.handleConnectivity(connectivity.Event{Online: true})
	h.coordinator.handleConnectivity(connectivity.Event{Online: false})
	if !h.scheduler.timer(0).stopped {
		t.Fatalf("expected pending drain to be cancelled")
	}
	h.scheduler.timer(0).fn()
	if h.gateway.calls() != 0 {
		t.Fatalf("expected cancelled drain not to run")
	}
}

func TestStartSchedulesDrainOnConnectivityRestored(t *testing.T) {
	h := newHarness(t, false, 3)
	h.seedDirtyEntry(t, 1, 4)

	if err := h.coordinator.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer h.coordinator.Stop()
	if err := h.coordinator.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}

	h.signal.Set(true)
	deadline := time.Now().Add(2 * time.Second)
	for h.scheduler.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected connectivity event to schedule a drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.scheduler.timer(0).fn()
	if h.gateway.calls() != 1 {
		t.Fatalf("expected drain after reconnect, got %d calls", h.gateway.calls())
	}
}

func TestStartupSynchronizeRunsOnceConnectivityArrives(t *testing.T) {
	h := newHarness(t, false, 3)
	h.coordinator.syncOnStart = true
	h.gateway.snapshot = []remote.RemoteEntry{{
		RemoteID: 42,
		MediaID:  3,
		Status:   library.StatusWatching,
		Progress: 2,
		Media:    library.MediaRecord{MediaID: 3},
	}}

	if err := h.coordinator.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer h.coordinator.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !h.coordinator.syncOwed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("expected offline startup synchronize to be owed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.signal.Set(true)
	for h.scheduler.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected connectivity event to schedule a run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.scheduler.timer(0).fn()

	if _, err := h.store.FindByMediaID(context.Background(), 3); err != nil {
		t.Fatalf("expected remote entry imported after reconnect: %v", err)
	}
	status, err := h.coordinator.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.LastRun == nil || status.LastRun.Mode != ModeSynchronize || status.LastError != "" {
		t.Fatalf("expected synchronize after reconnect, got %+v", status)
	}

	h.coordinator.RequestDrain()
	h.scheduler.timer(1).fn()
	status, _ = h.coordinator.Status(context.Background())
	if status.LastRun == nil || status.LastRun.Mode != ModeDrain {
		t.Fatalf("expected later triggers to drain only, got %+v", status.LastRun)
	}
}

func TestSynchronizeRestoresRemovedEntryStillListedRemotely(t *testing.T) {
	h := newHarness(t, true, 3)
	ctx := context.Background()
	entry := h.seedDirtyEntry(t, 5, 1)
	if _, err := h.store.Delete(ctx, entry.LocalID); err != nil {
		t.Fatalf("failed to delete entry: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, 5, queue.DeleteEntry{}); err != nil {
		t.Fatalf("failed to enqueue deletion: %v", err)
	}
	h.gateway.snapshot = []remote.RemoteEntry{{
		RemoteID: 77,
		MediaID:  5,
		Status:   library.StatusWatching,
		Progress: 1,
		Media:    library.MediaRecord{MediaID: 5},
	}}

	result, err := h.coordinator.Synchronize(ctx)
	if err != nil {
		t.Fatalf("unexpected synchronize error: %v", err)
	}
	if h.gateway.calls() != 0 {
		t.Fatalf("expected deletion to stay local, got %d remote calls", h.gateway.calls())
	}
	if result.Drain.Succeeded != 1 || result.Reconcile.Created != 1 {
		t.Fatalf("expected deletion marker consumed then entry recreated, got %+v", result)
	}
	restored, err := h.store.FindByMediaID(ctx, 5)
	if err != nil {
		t.Fatalf("expected entry restored from remote: %v", err)
	}
	if restored.Dirty || restored.RemoteID == nil || *restored.RemoteID != 77 {
		t.Fatalf("expected clean remote copy, got %+v", restored)
	}
}

func TestSynchronizeDrainsBeforeRefresh(t *testing.T) {
	h := newHarness(t, true, 3)
	h.seedDirtyEntry(t, 1, 4)
	h.gateway.snapshot = []remote.RemoteEntry{{
		RemoteID: 501,
		MediaID:  1,
		Status:   library.StatusWatching,
		Progress: 4,
		Media:    library.MediaRecord{MediaID: 1},
	}}

	result, err := h.coordinator.Synchronize(context.Background())
	if err != nil {
		t.Fatalf("unexpected synchronize error: %v", err)
	}
	if result.Drain.Succeeded != 1 || result.Reconcile.Unchanged != 1 {
		t.Fatalf("expected drain then unchanged reconcile, got %+v", result)
	}
}
