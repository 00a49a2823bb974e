package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/projectlens/mirrorsync/internal/payload"
)

func newTestClient(t *testing.T, server *httptest.Server) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(HTTPClientConfig{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestFetchPageDecodesRecordsAndCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/tenants/acme/records" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("cursor") != "page-2" {
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
		json.NewEncoder(w).Encode(Page{
			Records: []Record{
				{ID: "p-1", Payload: payload.Fields{"cost": float64(100)}, Version: "v1"},
			},
			NextCursor: "page-3",
		})
	}))
	defer server.Close()

	page, err := newTestClient(t, server).FetchPage(context.Background(), "acme", "page-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].ID != "p-1" {
		t.Fatalf("unexpected records: %+v", page.Records)
	}
	if page.Records[0].Payload["cost"] != float64(100) {
		t.Fatalf("unexpected payload: %v", page.Records[0].Payload)
	}
	if page.NextCursor != "page-3" {
		t.Fatalf("unexpected cursor: %s", page.NextCursor)
	}
}

func TestFetchPageServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).FetchPage(context.Background(), "acme", "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected 5xx to be retryable, got %v", err)
	}
}

func TestFetchPageClientErrorIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such tenant", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).FetchPage(context.Background(), "acme", "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if IsRetryable(err) {
		t.Fatalf("4xx must not be retryable, got %v", err)
	}
}

func TestFetchPageTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewHTTPClient(HTTPClientConfig{
		BaseURL:     server.URL,
		CallTimeout: 50 * time.Millisecond,
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	_, err = client.FetchPage(context.Background(), "acme", "")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected timeout to be retryable, got %v", err)
	}
}

func TestPushChangesSendsExpectedVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/tenants/acme/records/p-1/changes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			ChangedFields   payload.Fields `json:"changed_fields"`
			ExpectedVersion string         `json:"expected_version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body.ExpectedVersion != "v1" {
			t.Errorf("unexpected expected_version %q", body.ExpectedVersion)
		}
		if body.ChangedFields["end"] != "2025-01-15" {
			t.Errorf("unexpected changed fields %v", body.ChangedFields)
		}
		json.NewEncoder(w).Encode(PushResult{Accepted: true, NewVersion: "v2"})
	}))
	defer server.Close()

	result, err := newTestClient(t, server).PushChanges(context.Background(),
		"acme", "p-1", payload.Fields{"end": "2025-01-15"}, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accepted || result.NewVersion != "v2" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPushChangesDecodesConflictVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(PushResult{Accepted: false, Reason: "version mismatch"})
	}))
	defer server.Close()

	result, err := newTestClient(t, server).PushChanges(context.Background(),
		"acme", "p-1", payload.Fields{"end": "2025-01-15"}, "v1")
	if err != nil {
		t.Fatalf("a 409 verdict is not a transport failure: %v", err)
	}
	if result.Accepted || result.Reason != "version mismatch" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPushChangesDecodesValidationVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(PushResult{Accepted: false, Reason: "end date before start date"})
	}))
	defer server.Close()

	result, err := newTestClient(t, server).PushChanges(context.Background(),
		"acme", "p-1", payload.Fields{"end": "2020-01-01"}, "v1")
	if err != nil {
		t.Fatalf("a 422 verdict is not a transport failure: %v", err)
	}
	if result.Accepted || result.Reason != "end date before start date" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPushChangesServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).PushChanges(context.Background(),
		"acme", "p-1", payload.Fields{"end": "2025-01-15"}, "v1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected 5xx to be retryable, got %v", err)
	}
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPClient(HTTPClientConfig{}); err == nil {
		t.Fatalf("expected configuration error")
	}
}
