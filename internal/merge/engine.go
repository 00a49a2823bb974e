package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/projectlens/mirrorsync/internal/delta"
	"github.com/projectlens/mirrorsync/internal/mirror"
	"github.com/projectlens/mirrorsync/internal/payload"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates that neither a mirror record nor a delta exists
	// for the requested key.
	ErrNotFound = errors.New("merge: record not found")

	errMissingMirrorStore = errors.New("mirror store is required")
	errMissingDeltaStore  = errors.New("delta store is required")
	errMissingTenantID    = errors.New("tenant identifier is required")
	errMissingUserID      = errors.New("user identifier is required")
	errMissingRecordID    = errors.New("record identifier is required")

	noOpLogger = zap.NewNop()
)

// EffectiveRecord is the merged view served to readers. It is derived on
// every call and never persisted.
type EffectiveRecord struct {
	TenantID          string
	RecordID          string
	Payload           payload.Fields
	HasPendingChanges bool
	MirrorVersion     string
	LastSyncedAt      time.Time
	// LocalOnly marks a record the user drafted before the mirror ever saw
	// it (or after upstream removed it).
	LocalOnly bool
}

// Filter narrows ViewAll output. RecordIDPrefix matches against record
// identifiers; FieldEquals matches payload fields by string equality after
// the merge, so it sees the user's pending values.
type Filter struct {
	RecordIDPrefix string
	FieldEquals    map[string]string
}

// ParseFilter interprets the free-form filter expression of the read API.
// "key=value" terms filter on merged payload fields; a bare term filters on
// record-id prefix. Terms are comma separated.
func ParseFilter(raw string) Filter {
	filter := Filter{}
	for _, term := range strings.Split(raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if key, value, found := strings.Cut(term, "="); found {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if filter.FieldEquals == nil {
				filter.FieldEquals = make(map[string]string)
			}
			filter.FieldEquals[key] = strings.TrimSpace(value)
			continue
		}
		filter.RecordIDPrefix = term
	}
	return filter
}

// EngineConfig bundles the dependencies of a merge engine.
type EngineConfig struct {
	Mirror *mirror.Store
	Delta  *delta.Store
	Logger *zap.Logger
}

// Engine overlays a user's pending deltas onto mirror records. It holds no
// state of its own: given the same stored inputs it always produces the
// same output, so concurrent readers need no coordination with each other
// or with an in-flight sync cycle.
type Engine struct {
	mirror *mirror.Store
	delta  *delta.Store
	logger *zap.Logger
}

// NewEngine validates configuration and constructs a merge engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Mirror == nil {
		return nil, fmt.Errorf("merge: %w", errMissingMirrorStore)
	}
	if cfg.Delta == nil {
		return nil, fmt.Errorf("merge: %w", errMissingDeltaStore)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{mirror: cfg.Mirror, delta: cfg.Delta, logger: logger}, nil
}

// View returns the effective record for one key: the mirror payload with the
// user's pending changes applied on top, delta winning field by field.
func (e *Engine) View(ctx context.Context, tenantID, userID, recordID string) (EffectiveRecord, error) {
	if tenantID == "" {
		return EffectiveRecord{}, fmt.Errorf("merge: %w", errMissingTenantID)
	}
	if userID == "" {
		return EffectiveRecord{}, fmt.Errorf("merge: %w", errMissingUserID)
	}
	if recordID == "" {
		return EffectiveRecord{}, fmt.Errorf("merge: %w", errMissingRecordID)
	}

	mirrorRecord, mirrorErr := e.mirror.Get(ctx, tenantID, recordID)
	if mirrorErr != nil && !errors.Is(mirrorErr, mirror.ErrNotFound) {
		return EffectiveRecord{}, mirrorErr
	}

	deltaRecord, deltaErr := e.delta.Get(ctx, tenantID, userID, recordID)
	if deltaErr != nil && !errors.Is(deltaErr, delta.ErrNotFound) {
		return EffectiveRecord{}, deltaErr
	}

	if errors.Is(mirrorErr, mirror.ErrNotFound) && errors.Is(deltaErr, delta.ErrNotFound) {
		return EffectiveRecord{}, ErrNotFound
	}

	var mirrorPtr *mirror.Record
	if mirrorErr == nil {
		mirrorPtr = &mirrorRecord
	}
	var deltaPtr *delta.Record
	if deltaErr == nil {
		deltaPtr = &deltaRecord
	}
	return e.overlay(tenantID, mirrorPtr, deltaPtr), nil
}

// ViewAll returns the effective records of a tenant for one user, including
// locally drafted records the mirror has no entry for, sorted by record id.
func (e *Engine) ViewAll(ctx context.Context, tenantID, userID string, filter Filter) ([]EffectiveRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("merge: %w", errMissingTenantID)
	}
	if userID == "" {
		return nil, fmt.Errorf("merge: %w", errMissingUserID)
	}

	mirrorRecords, err := e.mirror.ListByTenant(ctx, tenantID, filter.RecordIDPrefix)
	if err != nil {
		return nil, err
	}
	deltaRecords, err := e.delta.ListByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	deltasByRecord := make(map[string]*delta.Record, len(deltaRecords))
	for i := range deltaRecords {
		deltasByRecord[deltaRecords[i].RecordID] = &deltaRecords[i]
	}

	merged := make([]EffectiveRecord, 0, len(mirrorRecords)+len(deltaRecords))
	for i := range mirrorRecords {
		record := e.overlay(tenantID, &mirrorRecords[i], deltasByRecord[mirrorRecords[i].RecordID])
		delete(deltasByRecord, mirrorRecords[i].RecordID)
		merged = append(merged, record)
	}

	// Remaining deltas have no mirror entry: locally created or removed
	// upstream. They still belong to the user's view.
	for recordID, deltaRecord := range deltasByRecord {
		if filter.RecordIDPrefix != "" && !strings.HasPrefix(recordID, filter.RecordIDPrefix) {
			continue
		}
		merged = append(merged, e.overlay(tenantID, nil, deltaRecord))
	}

	filtered := merged[:0]
	for _, record := range merged {
		if matchesFields(record.Payload, filter.FieldEquals) {
			filtered = append(filtered, record)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].RecordID < filtered[j].RecordID
	})
	return filtered, nil
}

func (e *Engine) overlay(tenantID string, mirrorRecord *mirror.Record, deltaRecord *delta.Record) EffectiveRecord {
	effective := EffectiveRecord{
		TenantID:  tenantID,
		Payload:   payload.Fields{},
		LocalOnly: mirrorRecord == nil,
	}

	if mirrorRecord != nil {
		effective.RecordID = mirrorRecord.RecordID
		effective.MirrorVersion = mirrorRecord.Version
		effective.LastSyncedAt = time.Unix(mirrorRecord.LastSyncedAtSeconds, 0).UTC()

		base, err := payload.Decode(mirrorRecord.PayloadJSON)
		if err != nil {
			e.logger.Error("mirror payload unreadable, serving empty base",
				zap.String("tenant_id", tenantID),
				zap.String("record_id", mirrorRecord.RecordID),
				zap.Error(err))
		} else {
			effective.Payload = base
		}
	}

	if deltaRecord == nil {
		return effective
	}
	effective.RecordID = deltaRecord.RecordID

	changed, err := payload.Decode(deltaRecord.ChangedFieldsJSON)
	if err != nil {
		// Fail closed: a corrupt delta is omitted and the mirror-only view
		// is served.
		e.logger.Error("delta unreadable, serving mirror-only view",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", deltaRecord.UserID),
			zap.String("record_id", deltaRecord.RecordID),
			zap.Error(err))
		return effective
	}

	effective.Payload = payload.Merge(effective.Payload, changed)
	effective.HasPendingChanges = true
	return effective
}

func matchesFields(fields payload.Fields, wanted map[string]string) bool {
	for key, expected := range wanted {
		value, ok := fields[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", value) != expected {
			return false
		}
	}
	return true
}
