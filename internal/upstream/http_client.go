package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/projectlens/mirrorsync/internal/payload"
	"go.uber.org/zap"
)

const defaultCallTimeout = 30 * time.Second

var (
	// ErrInvalidClientConfig indicates unusable upstream client configuration.
	ErrInvalidClientConfig = errors.New("upstream: invalid client config")

	errMissingBaseURL  = errors.New("base url configuration required")
	errMissingTenantID = errors.New("tenant identifier is required")
	errMissingRecordID = errors.New("record identifier is required")
)

// HTTPClientConfig bundles configuration for the HTTP upstream client.
type HTTPClientConfig struct {
	BaseURL     string
	CallTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HTTPClient talks to the upstream system over its JSON HTTP API. Every
// call carries a bounded timeout; timeouts and 5xx responses surface as
// TransientError so callers can distinguish retryable failures.
type HTTPClient struct {
	baseURL     string
	callTimeout time.Duration
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewHTTPClient validates configuration and constructs an HTTP client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL:     baseURL,
		callTimeout: callTimeout,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// FetchPage retrieves one page of the tenant's baseline feed.
func (c *HTTPClient) FetchPage(ctx context.Context, tenantID, cursor string) (Page, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Page{}, errMissingTenantID
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/tenants/%s/records", c.baseURL, url.PathEscape(tenantID))
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	request, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, fmt.Errorf("upstream: fetch request build failed: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return Page{}, classifyTransportError(err)
	}
	defer response.Body.Close()

	if err := checkStatus(response); err != nil {
		return Page{}, err
	}

	var page Page
	if err := json.NewDecoder(response.Body).Decode(&page); err != nil {
		return Page{}, fmt.Errorf("upstream: fetch response decode failed: %w", err)
	}
	return page, nil
}

type pushRequestPayload struct {
	ChangedFields   payload.Fields `json:"changed_fields"`
	ExpectedVersion string         `json:"expected_version"`
}

// PushChanges writes a user's committed field changes back to upstream,
// subject to upstream's own version check.
func (c *HTTPClient) PushChanges(ctx context.Context, tenantID, recordID string, changedFields payload.Fields, expectedVersion string) (PushResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return PushResult{}, errMissingTenantID
	}
	if strings.TrimSpace(recordID) == "" {
		return PushResult{}, errMissingRecordID
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(pushRequestPayload{
		ChangedFields:   changedFields,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return PushResult{}, fmt.Errorf("upstream: push request encode failed: %w", err)
	}

	endpoint := fmt.Sprintf("%s/tenants/%s/records/%s/changes",
		c.baseURL, url.PathEscape(tenantID), url.PathEscape(recordID))
	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PushResult{}, fmt.Errorf("upstream: push request build failed: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return PushResult{}, classifyTransportError(err)
	}
	defer response.Body.Close()

	// 409 and 422 are well-formed rejection verdicts, not transport failures.
	if response.StatusCode != http.StatusOK &&
		response.StatusCode != http.StatusConflict &&
		response.StatusCode != http.StatusUnprocessableEntity {
		return PushResult{}, checkStatus(response)
	}

	var result PushResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return PushResult{}, fmt.Errorf("upstream: push response decode failed: %w", err)
	}
	return result, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewTransientError(err)
	}
	return fmt.Errorf("upstream: request failed: %w", err)
}

func checkStatus(response *http.Response) error {
	if response.StatusCode == http.StatusOK {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	statusErr := fmt.Errorf("upstream: unexpected status %d: %s",
		response.StatusCode, strings.TrimSpace(string(snippet)))
	if response.StatusCode >= http.StatusInternalServerError {
		return NewTransientError(statusErr)
	}
	return statusErr
}
