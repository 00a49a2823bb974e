package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/projectlens/mirrorsync/internal/delta"
	"github.com/projectlens/mirrorsync/internal/merge"
	"github.com/projectlens/mirrorsync/internal/mirror"
	"github.com/projectlens/mirrorsync/internal/payload"
	"github.com/projectlens/mirrorsync/internal/reconcile"
	"github.com/projectlens/mirrorsync/internal/upstream"
	"gorm.io/gorm"
)

type stubUpstream struct {
	result upstream.PushResult
	err    error
}

func (s *stubUpstream) FetchPage(ctx context.Context, tenantID, cursor string) (upstream.Page, error) {
	return upstream.Page{}, nil
}

func (s *stubUpstream) PushChanges(ctx context.Context, tenantID, recordID string, changedFields payload.Fields, expectedVersion string) (upstream.PushResult, error) {
	return s.result, s.err
}

type testFixture struct {
	handler  http.Handler
	mirror   *mirror.Store
	upstream *stubUpstream
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&mirror.Record{}, &mirror.SyncRun{}, &mirror.Summary{}, &delta.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000000, 0) }
	mirrorStore, err := mirror.NewStore(mirror.StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: mirror.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct mirror store: %v", err)
	}
	deltaStore, err := delta.NewStore(delta.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct delta store: %v", err)
	}
	engine, err := merge.NewEngine(merge.EngineConfig{Mirror: mirrorStore, Delta: deltaStore})
	if err != nil {
		t.Fatalf("failed to construct merge engine: %v", err)
	}
	stub := &stubUpstream{result: upstream.PushResult{Accepted: true, NewVersion: "v2"}}
	coordinator, err := reconcile.NewCoordinator(reconcile.CoordinatorConfig{
		Mirror:   mirrorStore,
		Delta:    deltaStore,
		Upstream: stub,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		MergeEngine: engine,
		Coordinator: coordinator,
		MirrorStore: mirrorStore,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testFixture{handler: handler, mirror: mirrorStore, upstream: stub}
}

func (f *testFixture) seedMirror(t *testing.T, tenantID, recordID string, fields payload.Fields, version string) {
	t.Helper()
	_, err := f.mirror.UpsertBatch(context.Background(), tenantID, []mirror.UpstreamRecord{
		{RecordID: recordID, Payload: fields, Version: version},
	}, time.Unix(1700000100, 0))
	if err != nil {
		t.Fatalf("failed to seed mirror: %v", err)
	}
}

func (f *testFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthzReportsOK(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestListRecordsMergesPendingChanges(t *testing.T) {
	fixture := newTestFixture(t)
	fixture.seedMirror(t, "acme", "p-1", payload.Fields{"cost": float64(100), "end": "2025-01-01"}, "v1")

	recorder := fixture.do(t, http.MethodPost, "/records/acme/p-1/draft", map[string]any{
		"userId":        "user-1",
		"changedFields": map[string]any{"end": "2025-01-15"},
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected draft status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodGet, "/records/acme?userId=user-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Records []struct {
			RecordID          string         `json:"record_id"`
			Payload           payload.Fields `json:"payload"`
			HasPendingChanges bool           `json:"has_pending_changes"`
			MirrorVersion     string         `json:"mirror_version"`
		} `json:"records"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(response.Records))
	}
	record := response.Records[0]
	if record.RecordID != "p-1" || !record.HasPendingChanges {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Payload["end"] != "2025-01-15" || record.Payload["cost"] != float64(100) {
		t.Fatalf("unexpected merged payload: %v", record.Payload)
	}
	if record.MirrorVersion != "v1" {
		t.Fatalf("unexpected mirror version: %s", record.MirrorVersion)
	}
}

func TestListRecordsRequiresUser(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/records/acme", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestSaveDraftRejectsEmptyChangeSet(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/records/acme/p-1/draft", map[string]any{
		"userId":        "user-1",
		"changedFields": map[string]any{},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestDiscardDraftReturnsNoContent(t *testing.T) {
	fixture := newTestFixture(t)
	fixture.seedMirror(t, "acme", "p-1", payload.Fields{"cost": float64(100)}, "v1")

	recorder := fixture.do(t, http.MethodPost, "/records/acme/p-1/draft", map[string]any{
		"userId":        "user-1",
		"changedFields": map[string]any{"end": "2025-01-15"},
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected draft status %d", recorder.Code)
	}

	recorder = fixture.do(t, http.MethodPost, "/records/acme/p-1/discard", map[string]any{
		"userId": "user-1",
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected discard status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodGet, "/records/acme?userId=user-1", nil)
	var response struct {
		Records []struct {
			HasPendingChanges bool `json:"has_pending_changes"`
		} `json:"records"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Records) != 1 || response.Records[0].HasPendingChanges {
		t.Fatalf("expected draft gone, got %+v", response.Records)
	}
}

func TestCommitSingleRecordReturnsOutcome(t *testing.T) {
	fixture := newTestFixture(t)
	fixture.seedMirror(t, "acme", "p-1", payload.Fields{"cost": float64(100)}, "v1")

	recorder := fixture.do(t, http.MethodPost, "/records/acme/p-1/draft", map[string]any{
		"userId":        "user-1",
		"changedFields": map[string]any{"end": "2025-01-15"},
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected draft status %d", recorder.Code)
	}

	recorder = fixture.do(t, http.MethodPost, "/records/acme/commit", map[string]any{
		"userId":   "user-1",
		"recordId": "p-1",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var result reconcile.Result
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.Committed) != 1 || result.Committed[0].NewVersion != "v2" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Conflicts == nil || result.Rejected == nil {
		t.Fatalf("expected empty slices, not nulls: %s", recorder.Body.String())
	}
}

func TestCommitAllUsesAllTarget(t *testing.T) {
	fixture := newTestFixture(t)
	fixture.seedMirror(t, "acme", "p-1", payload.Fields{"cost": float64(100)}, "v1")
	fixture.seedMirror(t, "acme", "p-2", payload.Fields{"cost": float64(50)}, "v1")

	for _, recordID := range []string{"p-1", "p-2"} {
		recorder := fixture.do(t, http.MethodPost, "/records/acme/"+recordID+"/draft", map[string]any{
			"userId":        "user-1",
			"changedFields": map[string]any{"cost": float64(10)},
		})
		if recorder.Code != http.StatusNoContent {
			t.Fatalf("unexpected draft status %d", recorder.Code)
		}
	}

	recorder := fixture.do(t, http.MethodPost, "/records/acme/commit", map[string]any{
		"userId":   "user-1",
		"recordId": "all",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var result reconcile.Result
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.Committed) != 2 {
		t.Fatalf("expected both drafts committed, got %+v", result)
	}
}

func TestCommitRequiresRecordTarget(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/records/acme/commit", map[string]any{
		"userId": "user-1",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestSyncStatusWithoutRunsReturnsNotFound(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/records/acme/sync-status", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSyncStatusReturnsLatestRun(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()

	run, err := fixture.mirror.BeginRun(ctx, "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fixture.mirror.FinishRun(ctx, run.RunID, 42, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, "/records/acme/sync-status", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var status struct {
		RunID            string `json:"run_id"`
		Status           string `json:"status"`
		RecordsProcessed int64  `json:"records_processed"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.RunID != run.RunID || status.Status != string(mirror.RunStatusSucceeded) {
		t.Fatalf("unexpected status payload: %+v", status)
	}
	if status.RecordsProcessed != 42 {
		t.Fatalf("unexpected records processed: %d", status.RecordsProcessed)
	}
}
