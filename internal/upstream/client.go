package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/projectlens/mirrorsync/internal/payload"
)

// Record is one baseline record as reported by the upstream system.
type Record struct {
	ID      string         `json:"id"`
	Payload payload.Fields `json:"payload"`
	Version string         `json:"version"`
}

// Page is one page of the paginated baseline feed. An empty NextCursor
// marks the final page.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor"`
}

// PushResult is the upstream verdict on a write-back. The upstream version
// check is authoritative; the local pre-check only avoids pointless pushes.
type PushResult struct {
	Accepted   bool   `json:"accepted"`
	NewVersion string `json:"new_version"`
	Reason     string `json:"reason"`
}

// Client is the contract with the external system of record. The core
// depends on this interface and never on the upstream wire protocol itself.
type Client interface {
	FetchPage(ctx context.Context, tenantID, cursor string) (Page, error)
	PushChanges(ctx context.Context, tenantID, recordID string, changedFields payload.Fields, expectedVersion string) (PushResult, error)
}

// TransientError wraps upstream failures that are expected to clear on
// retry: timeouts, transport faults and upstream 5xx responses.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream: transient failure: %v", e.err)
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{err: err}
}

// IsRetryable reports whether err represents a transient upstream failure.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
