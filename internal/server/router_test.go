package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/connectivity"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/coordinator"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/remote"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/tracker"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type stubSync struct {
	result coordinator.RunResult
	err    error
	status coordinator.Status
	calls  []string
}

func (s *stubSync) run(mode coordinator.Mode) (coordinator.RunResult, error) {
	s.calls = append(s.calls, string(mode))
	result := s.result
	result.Mode = mode
	return result, s.err
}

func (s *stubSync) Bootstrap(context.Context) (coordinator.RunResult, error) {
	return s.run(coordinator.ModeBootstrap)
}

func (s *stubSync) Refresh(context.Context) (coordinator.RunResult, error) {
	return s.run(coordinator.ModeRefresh)
}

func (s *stubSync) DrainQueue(context.Context) (coordinator.RunResult, error) {
	return s.run(coordinator.ModeDrain)
}

func (s *stubSync) Synchronize(context.Context) (coordinator.RunResult, error) {
	return s.run(coordinator.ModeSynchronize)
}

func (s *stubSync) Status(context.Context) (coordinator.Status, error) {
	return s.status, nil
}

type testServer struct {
	handler      http.Handler
	store        *library.Store
	queue        *queue.Queue
	sync         *stubSync
	connectivity *connectivity.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	store, err := library.NewStore(library.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	pending, err := queue.NewQueue(queue.QueueConfig{Database: db, IDProvider: queue.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	edits, err := tracker.New(tracker.Config{Store: store, Queue: pending})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}

	server := &testServer{
		store:        store,
		queue:        pending,
		sync:         &stubSync{},
		connectivity: connectivity.NewBroadcaster(false),
	}
	server.handler, err = NewHTTPHandler(Dependencies{
		Library:      store,
		Tracker:      edits,
		Sync:         server.sync,
		Connectivity: server.connectivity,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return server
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeEntry(t *testing.T, recorder *httptest.ResponseRecorder) entryPayload {
	t.Helper()
	var payload entryPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode entry: %v (%s)", err, recorder.Body.String())
	}
	return payload
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, recorder.Code, recorder.Body.String())
	}
	expected := fmt.Sprintf(`{"error":%q}`, code)
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestEntryLifecycleThroughHTTP(t *testing.T) {
	server := newTestServer(t)

	created := server.do(t, http.MethodPost, "/entries",
		`{"media_id":21,"status":"watching","media":{"title_romaji":"One Piece","episodes":12}}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d (%s)", created.Code, created.Body.String())
	}
	entry := decodeEntry(t, created)
	if !entry.Dirty || entry.Media == nil || entry.Media.Title != "One Piece" {
		t.Fatalf("unexpected entry payload: %+v", entry)
	}

	progressed := server.do(t, http.MethodPatch, fmt.Sprintf("/entries/%d/progress", entry.LocalID), `{"progress":5}`)
	if progressed.Code != http.StatusOK || decodeEntry(t, progressed).Progress != 5 {
		t.Fatalf("expected progress update, got %d (%s)", progressed.Code, progressed.Body.String())
	}

	tooFar := server.do(t, http.MethodPatch, fmt.Sprintf("/entries/%d/progress", entry.LocalID), `{"progress":13}`)
	expectError(t, tooFar, http.StatusBadRequest, "invalid_progress")

	moved := server.do(t, http.MethodPost, fmt.Sprintf("/entries/%d/move", entry.LocalID), `{"status":"completed"}`)
	if moved.Code != http.StatusOK || decodeEntry(t, moved).Status != "completed" {
		t.Fatalf("expected move, got %d (%s)", moved.Code, moved.Body.String())
	}

	listed := server.do(t, http.MethodGet, "/entries?status=completed", "")
	if listed.Code != http.StatusOK || !strings.Contains(listed.Body.String(), `"media_id":21`) {
		t.Fatalf("expected entry in completed list, got %s", listed.Body.String())
	}

	removed := server.do(t, http.MethodDelete, fmt.Sprintf("/entries/%d", entry.LocalID), "")
	if removed.Code != http.StatusNoContent {
		t.Fatalf("expected no content, got %d", removed.Code)
	}
	expectError(t, server.do(t, http.MethodGet, fmt.Sprintf("/entries/%d", entry.LocalID), ""), http.StatusNotFound, "not_found")

	operation, found, err := server.queue.Find(context.Background(), 21)
	if err != nil || !found || operation.Kind != queue.KindDeleteEntry {
		t.Fatalf("expected delete marker queued, got %+v found=%v err=%v", operation, found, err)
	}
}

func TestAddEntryRejectsDuplicatesAndBadInput(t *testing.T) {
	server := newTestServer(t)
	body := `{"media_id":3,"status":"plan_to_watch","media":{"title_romaji":"Three"}}`
	if recorder := server.do(t, http.MethodPost, "/entries", body); recorder.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d", recorder.Code)
	}
	expectError(t, server.do(t, http.MethodPost, "/entries", body), http.StatusConflict, "duplicate_entry")
	expectError(t, server.do(t, http.MethodPost, "/entries", `{"media_id":4,"status":"binging"}`), http.StatusBadRequest, "invalid_status")
	expectError(t, server.do(t, http.MethodPost, "/entries", `{"media_id":5,"status":"watching"}`), http.StatusNotFound, "media_not_found")
	expectError(t, server.do(t, http.MethodPost, "/entries", `not json`), http.StatusBadRequest, "invalid_request")
	expectError(t, server.do(t, http.MethodGet, "/entries/abc", ""), http.StatusBadRequest, "invalid_id")
}

func TestReorderAndCounts(t *testing.T) {
	server := newTestServer(t)
	for mediaID := 1; mediaID <= 3; mediaID++ {
		body := fmt.Sprintf(`{"media_id":%d,"status":"watching","media":{"title_romaji":"Show %d"}}`, mediaID, mediaID)
		if recorder := server.do(t, http.MethodPost, "/entries", body); recorder.Code != http.StatusCreated {
			t.Fatalf("expected created, got %d", recorder.Code)
		}
	}

	reordered := server.do(t, http.MethodPost, "/lists/watching/reorder", `{"from":0,"to":2}`)
	if reordered.Code != http.StatusOK {
		t.Fatalf("expected reorder ok, got %d (%s)", reordered.Code, reordered.Body.String())
	}
	var response struct {
		Entries []entryPayload `json:"entries"`
	}
	if err := json.Unmarshal(reordered.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode reorder response: %v", err)
	}
	if len(response.Entries) != 3 || response.Entries[2].MediaID != 1 {
		t.Fatalf("expected media 1 last, got %+v", response.Entries)
	}
	expectError(t, server.do(t, http.MethodPost, "/lists/watching/reorder", `{"from":0,"to":9}`), http.StatusBadRequest, "invalid_index")

	counts := server.do(t, http.MethodGet, "/lists", "")
	if !strings.Contains(counts.Body.String(), `"watching":3`) || !strings.Contains(counts.Body.String(), `"dropped":0`) {
		t.Fatalf("unexpected counts: %s", counts.Body.String())
	}
}

func TestSyncEndpointsMapCoordinatorResults(t *testing.T) {
	server := newTestServer(t)

	server.sync.err = coordinator.ErrOffline
	expectError(t, server.do(t, http.MethodPost, "/sync/bootstrap", ""), http.StatusServiceUnavailable, "offline")

	server.sync.err = fmt.Errorf("%w: token expired", coordinator.ErrUnauthenticated)
	expectError(t, server.do(t, http.MethodPost, "/sync/refresh", ""), http.StatusUnauthorized, "unauthenticated")

	server.sync.err = nil
	server.sync.result = coordinator.RunResult{Skipped: true}
	skipped := server.do(t, http.MethodPost, "/sync/drain", "")
	if skipped.Code != http.StatusAccepted || !strings.Contains(skipped.Body.String(), `"skipped":true`) {
		t.Fatalf("expected accepted skipped run, got %d (%s)", skipped.Code, skipped.Body.String())
	}

	server.sync.result = coordinator.RunResult{Drain: coordinator.DrainResult{Attempted: 2, Succeeded: 2}}
	ran := server.do(t, http.MethodPost, "/sync/run", "")
	if ran.Code != http.StatusOK || !strings.Contains(ran.Body.String(), `"succeeded":2`) {
		t.Fatalf("expected run payload, got %d (%s)", ran.Code, ran.Body.String())
	}

	server.sync.status = coordinator.Status{Online: true, PendingOperations: 4, LastRun: &coordinator.RunResult{Mode: coordinator.ModeRefresh}}
	status := server.do(t, http.MethodGet, "/sync/status", "")
	if !strings.Contains(status.Body.String(), `"pending_operations":4`) || !strings.Contains(status.Body.String(), `"mode":"refresh"`) {
		t.Fatalf("unexpected status payload: %s", status.Body.String())
	}

	expected := []string{"bootstrap", "refresh", "drain", "synchronize"}
	if strings.Join(server.sync.calls, ",") != strings.Join(expected, ",") {
		t.Fatalf("unexpected call order: %v", server.sync.calls)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	server := newTestServer(t)
	health := server.do(t, http.MethodGet, "/healthz", "")
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"online":false`) {
		t.Fatalf("unexpected health response: %s", health.Body.String())
	}
	metrics := server.do(t, http.MethodGet, "/metrics", "")
	if metrics.Body.String() != "metrics" {
		t.Fatalf("expected metrics handler to be mounted, got %q", metrics.Body.String())
	}
}

func TestCORSPreflightAllowsPatch(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodOptions, "/entries/1/progress", http.NoBody)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch) {
		t.Fatalf("expected PATCH to be allowed")
	}
}

func TestClassifyError(t *testing.T) {
	testCases := []struct {
		err    error
		status int
		code   string
	}{
		{err: library.ErrInvalidScore, status: http.StatusBadRequest, code: "invalid_score"},
		{err: &remote.Error{Kind: remote.KindRateLimitExceeded}, status: http.StatusTooManyRequests, code: "rate_limited"},
		{err: &remote.Error{Kind: remote.KindServerError}, status: http.StatusBadGateway, code: "remote_failed"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, testCase := range testCases {
		status, code := classifyError(testCase.err)
		if status != testCase.status || code != testCase.code {
			t.Fatalf("classifyError(%v) = %d %s, want %d %s", testCase.err, status, code, testCase.status, testCase.code)
		}
	}
}

func TestEventsStreamConnectivityTransitions(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/events", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()

	reader := bufio.NewReader(response.Body)
	readData := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("stream ended early: %v", err)
			}
			if strings.HasPrefix(line, "data:") {
				return line
			}
		}
	}

	if first := readData(); !strings.Contains(first, `"online":false`) {
		t.Fatalf("expected initial offline state, got %q", first)
	}
	deadline := time.Now().Add(2 * time.Second)
	for server.connectivity.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	server.connectivity.Set(true)
	if next := readData(); !strings.Contains(next, `"online":true`) {
		t.Fatalf("expected online transition, got %q", next)
	}
}
