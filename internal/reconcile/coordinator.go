package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/projectlens/mirrorsync/internal/delta"
	"github.com/projectlens/mirrorsync/internal/locking"
	"github.com/projectlens/mirrorsync/internal/mirror"
	"github.com/projectlens/mirrorsync/internal/payload"
	"github.com/projectlens/mirrorsync/internal/upstream"
	"go.uber.org/zap"
)

var (
	errMissingMirrorStore = errors.New("mirror store is required")
	errMissingDeltaStore  = errors.New("delta store is required")
	errMissingUpstream    = errors.New("upstream client is required")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the structured error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew          = "reconcile.new"
	opSaveDraft    = "reconcile.save_draft"
	opDiscardDraft = "reconcile.discard_draft"
	opCommit       = "reconcile.commit"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Conflict reasons surfaced to callers.
const (
	ConflictReasonVersionMismatch = "version_mismatch"
	ConflictReasonRecordMissing   = "record no longer exists upstream"
)

// Committed reports a delta that was accepted upstream and cleared locally.
type Committed struct {
	RecordID     string         `json:"record_id"`
	PushedFields payload.Fields `json:"pushed_fields"`
	NewVersion   string         `json:"new_version"`
}

// FieldDiff describes one field the user changed whose current mirror value
// disagrees with the pending value.
type FieldDiff struct {
	Field       string `json:"field"`
	MirrorValue any    `json:"mirror_value"`
	DeltaValue  any    `json:"delta_value"`
	InMirror    bool   `json:"in_mirror"`
}

// Conflict reports a delta whose base version no longer matches the mirror.
// The delta is preserved untouched and nothing was pushed upstream; the
// caller presents a three-way choice from the data carried here.
type Conflict struct {
	RecordID             string         `json:"record_id"`
	Reason               string         `json:"reason"`
	BaseVersion          string         `json:"base_version"`
	CurrentMirrorVersion string         `json:"current_mirror_version"`
	MirrorPayload        payload.Fields `json:"mirror_payload"`
	DeltaFields          payload.Fields `json:"delta_fields"`
	ConflictingFields    []FieldDiff    `json:"conflicting_fields"`
}

// Rejection reports a delta upstream refused. The delta stays intact;
// Retryable distinguishes transient transport failures from validation
// verdicts the user must fix first.
type Rejection struct {
	RecordID  string `json:"record_id"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// Result aggregates per-record commit outcomes. In bulk commits each record
// is processed independently; one conflict or rejection never blocks or
// rolls back the others.
type Result struct {
	Committed []Committed `json:"committed"`
	Conflicts []Conflict  `json:"conflicts"`
	Rejected  []Rejection `json:"rejected"`
}

// CoordinatorConfig bundles the dependencies of a coordinator.
type CoordinatorConfig struct {
	Mirror   *mirror.Store
	Delta    *delta.Store
	Upstream upstream.Client
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Coordinator owns the write path: draft saves, discards and commits all
// serialize through a per-(tenant, user, record) mutex, so a save racing a
// commit on the same key orders entirely before or entirely after it.
type Coordinator struct {
	mirror   *mirror.Store
	delta    *delta.Store
	upstream upstream.Client
	locks    *locking.Keyed
	clock    func() time.Time
	logger   *zap.Logger
}

// NewCoordinator validates configuration and constructs a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Mirror == nil {
		return nil, newServiceError(opNew, "missing_mirror_store", errMissingMirrorStore)
	}
	if cfg.Delta == nil {
		return nil, newServiceError(opNew, "missing_delta_store", errMissingDeltaStore)
	}
	if cfg.Upstream == nil {
		return nil, newServiceError(opNew, "missing_upstream_client", errMissingUpstream)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Coordinator{
		mirror:   cfg.Mirror,
		delta:    cfg.Delta,
		upstream: cfg.Upstream,
		locks:    locking.NewKeyed(),
		clock:    clock,
		logger:   logger,
	}, nil
}

// SaveDraft upserts the user's pending changes for one record, anchoring the
// optimistic-concurrency base version to the current mirror state on the
// first save only.
func (c *Coordinator) SaveDraft(ctx context.Context, tenantID, userID, recordID string, changed payload.Fields) (delta.Record, error) {
	key := writeKey(tenantID, userID, recordID)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	baseVersion := ""
	mirrorRecord, err := c.mirror.Get(ctx, tenantID, recordID)
	if err == nil {
		baseVersion = mirrorRecord.Version
	} else if !errors.Is(err, mirror.ErrNotFound) {
		return delta.Record{}, newServiceError(opSaveDraft, "mirror_lookup_failed", err)
	}

	saved, err := c.delta.Save(ctx, tenantID, userID, recordID, changed, baseVersion)
	if err != nil {
		return delta.Record{}, err
	}
	return saved, nil
}

// DiscardDraft drops the user's pending changes for one record.
func (c *Coordinator) DiscardDraft(ctx context.Context, tenantID, userID, recordID string) error {
	key := writeKey(tenantID, userID, recordID)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	if err := c.delta.Discard(ctx, tenantID, userID, recordID); err != nil {
		return newServiceError(opDiscardDraft, "discard_failed", err)
	}
	return nil
}

// Commit reconciles one pending delta against upstream. A missing delta is
// a no-op success with an empty result.
func (c *Coordinator) Commit(ctx context.Context, tenantID, userID, recordID string) (Result, error) {
	var result Result
	if err := c.commitRecord(ctx, tenantID, userID, recordID, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// CommitAll reconciles every pending delta the user holds in the tenant,
// each record independently. Storage failures on one record degrade to a
// retryable rejection for that record instead of aborting the rest.
func (c *Coordinator) CommitAll(ctx context.Context, tenantID, userID string) (Result, error) {
	pending, err := c.delta.ListByUser(ctx, tenantID, userID)
	if err != nil {
		return Result{}, newServiceError(opCommit, "delta_list_failed", err)
	}

	var result Result
	for _, deltaRecord := range pending {
		if err := c.commitRecord(ctx, tenantID, userID, deltaRecord.RecordID, &result); err != nil {
			c.logger.Error("bulk commit record failed",
				zap.String("operation", opCommit),
				zap.String("tenant_id", tenantID),
				zap.String("user_id", userID),
				zap.String("record_id", deltaRecord.RecordID),
				zap.Error(err))
			result.Rejected = append(result.Rejected, Rejection{
				RecordID:  deltaRecord.RecordID,
				Reason:    err.Error(),
				Retryable: true,
			})
		}
	}
	return result, nil
}

func (c *Coordinator) commitRecord(ctx context.Context, tenantID, userID, recordID string, result *Result) error {
	key := writeKey(tenantID, userID, recordID)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	deltaRecord, err := c.delta.Get(ctx, tenantID, userID, recordID)
	if errors.Is(err, delta.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newServiceError(opCommit, "delta_lookup_failed", err)
	}

	changedFields, err := payload.Decode(deltaRecord.ChangedFieldsJSON)
	if err != nil {
		return newServiceError(opCommit, "delta_unreadable", err)
	}

	mirrorRecord, err := c.mirror.Get(ctx, tenantID, recordID)
	if errors.Is(err, mirror.ErrNotFound) {
		// Upstream removed (or never reported) the record the user edited.
		// Surface it rather than silently dropping the user's work.
		result.Conflicts = append(result.Conflicts, Conflict{
			RecordID:          recordID,
			Reason:            ConflictReasonRecordMissing,
			BaseVersion:       deltaRecord.BaseVersion,
			MirrorPayload:     payload.Fields{},
			DeltaFields:       changedFields,
			ConflictingFields: diffFields(payload.Fields{}, changedFields),
		})
		return nil
	}
	if err != nil {
		return newServiceError(opCommit, "mirror_lookup_failed", err)
	}

	if mirrorRecord.Version != deltaRecord.BaseVersion {
		mirrorFields, decodeErr := payload.Decode(mirrorRecord.PayloadJSON)
		if decodeErr != nil {
			c.logger.Error("mirror payload unreadable during conflict report",
				zap.String("operation", opCommit),
				zap.String("tenant_id", tenantID),
				zap.String("record_id", recordID),
				zap.Error(decodeErr))
			mirrorFields = payload.Fields{}
		}
		result.Conflicts = append(result.Conflicts, Conflict{
			RecordID:             recordID,
			Reason:               ConflictReasonVersionMismatch,
			BaseVersion:          deltaRecord.BaseVersion,
			CurrentMirrorVersion: mirrorRecord.Version,
			MirrorPayload:        mirrorFields,
			DeltaFields:          changedFields,
			ConflictingFields:    diffFields(mirrorFields, changedFields),
		})
		return nil
	}

	pushResult, err := c.upstream.PushChanges(ctx, tenantID, recordID, changedFields, deltaRecord.BaseVersion)
	if err != nil {
		if upstream.IsRetryable(err) {
			result.Rejected = append(result.Rejected, Rejection{
				RecordID:  recordID,
				Reason:    err.Error(),
				Retryable: true,
			})
			return nil
		}
		return newServiceError(opCommit, "upstream_push_failed", err)
	}

	if !pushResult.Accepted {
		result.Rejected = append(result.Rejected, Rejection{
			RecordID:  recordID,
			Reason:    pushResult.Reason,
			Retryable: false,
		})
		return nil
	}

	newVersion := pushResult.NewVersion
	if newVersion == "" {
		newVersion = deltaRecord.BaseVersion
	}

	if err := c.delta.Discard(ctx, tenantID, userID, recordID); err != nil {
		return newServiceError(opCommit, "delta_clear_failed", err)
	}
	if err := c.mirror.ApplyCommitted(ctx, tenantID, recordID, changedFields, newVersion, c.clock()); err != nil {
		// The push succeeded and the delta is gone; the next full cycle
		// repairs the mirror. Surface the cleanup failure to the operator.
		c.logger.Error("targeted mirror refresh after commit failed",
			zap.String("operation", opCommit),
			zap.String("tenant_id", tenantID),
			zap.String("record_id", recordID),
			zap.Error(err))
	}

	result.Committed = append(result.Committed, Committed{
		RecordID:     recordID,
		PushedFields: changedFields,
		NewVersion:   newVersion,
	})
	return nil
}

// diffFields lists the pending fields whose value disagrees with the
// current mirror payload: the user's intended change against the newer
// upstream truth.
func diffFields(mirrorFields, deltaFields payload.Fields) []FieldDiff {
	diffs := make([]FieldDiff, 0, len(deltaFields))
	for field, deltaValue := range deltaFields {
		mirrorValue, inMirror := mirrorFields[field]
		if inMirror && payload.ValueEqual(mirrorValue, deltaValue) {
			continue
		}
		diffs = append(diffs, FieldDiff{
			Field:       field,
			MirrorValue: mirrorValue,
			DeltaValue:  deltaValue,
			InMirror:    inMirror,
		})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}

func writeKey(tenantID, userID, recordID string) string {
	return tenantID + "\x1f" + userID + "\x1f" + recordID
}
