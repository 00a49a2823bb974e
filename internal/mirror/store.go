package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projectlens/mirrorsync/internal/payload"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that no mirror record exists for the key.
	ErrNotFound = errors.New("mirror: record not found")
	// ErrNoRuns indicates that a tenant has never completed or started a sync.
	ErrNoRuns = errors.New("mirror: no sync runs recorded")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTenantID   = errors.New("tenant identifier is required")
	errMissingRecordID   = errors.New("record identifier is required")
	errMissingRunID      = errors.New("run identifier is required")

	noOpLogger = zap.NewNop()
)

// Well-known optional payload fields consumed by summary aggregation. Core
// merge and version logic never reads these; records lacking them simply do
// not contribute to the aggregate in question.
const (
	summaryFieldCategory = "category"
	summaryFieldCost     = "cost"
	summaryFieldEnd      = "end"

	categoryUnassigned = "uncategorized"
)

// IDProvider issues identifiers for sync runs.
type IDProvider interface {
	NewID() (string, error)
}

// UpstreamRecord is one record of an upstream baseline page, as handed to
// UpsertBatch by the sync worker.
type UpstreamRecord struct {
	RecordID string
	Payload  payload.Fields
	Version  string
}

// StoreConfig bundles the dependencies of a mirror store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable, versioned cache of upstream baseline records plus
// the derived summaries and sync-run bookkeeping that ride along with it.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates configuration and constructs a mirror store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("mirror: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("mirror: %w", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Get returns the mirror record for the composite key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, recordID string) (Record, error) {
	if tenantID == "" {
		return Record{}, fmt.Errorf("mirror: %w", errMissingTenantID)
	}
	if recordID == "" {
		return Record{}, fmt.Errorf("mirror: %w", errMissingRecordID)
	}

	var record Record
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND record_id = ?", tenantID, recordID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("mirror: get failed: %w", err)
	}
	return record, nil
}

// ListByTenant returns the tenant's mirror records, optionally narrowed to a
// record-id prefix, ordered by record id.
func (s *Store) ListByTenant(ctx context.Context, tenantID, recordIDPrefix string) ([]Record, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("mirror: %w", errMissingTenantID)
	}

	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if recordIDPrefix != "" {
		query = query.Where("record_id LIKE ? ESCAPE '\\'", escapeLike(recordIDPrefix)+"%")
	}

	var records []Record
	if err := query.Order("record_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("mirror: list failed: %w", err)
	}
	return records, nil
}

// UpsertBatch applies one upstream baseline page. It is the sole bulk
// mutator and is idempotent: re-applying the same snapshot leaves the store
// unchanged. Each record is written with a native per-row upsert keyed by
// (tenant, record), last write winning on the upstream version token.
func (s *Store) UpsertBatch(ctx context.Context, tenantID string, records []UpstreamRecord, syncedAt time.Time) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("mirror: %w", errMissingTenantID)
	}
	if len(records) == 0 {
		return 0, nil
	}

	applied := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, incoming := range records {
			if incoming.RecordID == "" {
				s.logger.Warn("skipping upstream record without id",
					zap.String("tenant_id", tenantID))
				continue
			}

			encoded, err := payload.Encode(incoming.Payload)
			if err != nil {
				s.logger.Warn("skipping upstream record with unencodable payload",
					zap.String("tenant_id", tenantID),
					zap.String("record_id", incoming.RecordID),
					zap.Error(err))
				continue
			}

			row := Record{
				TenantID:            tenantID,
				RecordID:            incoming.RecordID,
				PayloadJSON:         encoded,
				Version:             incoming.Version,
				LastSyncedAtSeconds: syncedAt.UTC().Unix(),
			}
			err = tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "tenant_id"}, {Name: "record_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"payload_json", "version", "last_synced_at_s",
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("mirror: upsert of record %s failed: %w", incoming.RecordID, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// ApplyCommitted performs the targeted single-record refresh after a commit
// push was accepted upstream: the committed fields are overlaid onto the
// stored payload and the version advances to the token upstream returned, so
// the next read reflects the committed state without waiting for a cycle.
func (s *Store) ApplyCommitted(ctx context.Context, tenantID, recordID string, fields payload.Fields, newVersion string, syncedAt time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("mirror: %w", errMissingTenantID)
	}
	if recordID == "" {
		return fmt.Errorf("mirror: %w", errMissingRecordID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND record_id = ?", tenantID, recordID).
			Take(&existing).Error

		base := payload.Fields{}
		if err == nil {
			decoded, decodeErr := payload.Decode(existing.PayloadJSON)
			if decodeErr != nil {
				// Malformed stored payload: the committed fields become the
				// whole payload rather than failing the commit.
				s.logger.Error("mirror payload unreadable during targeted refresh",
					zap.String("tenant_id", tenantID),
					zap.String("record_id", recordID),
					zap.Error(decodeErr))
			} else {
				base = decoded
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("mirror: targeted refresh select failed: %w", err)
		}

		encoded, err := payload.Encode(payload.Merge(base, fields))
		if err != nil {
			return fmt.Errorf("mirror: targeted refresh encode failed: %w", err)
		}

		row := Record{
			TenantID:            tenantID,
			RecordID:            recordID,
			PayloadJSON:         encoded,
			Version:             newVersion,
			LastSyncedAtSeconds: syncedAt.UTC().Unix(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"payload_json", "version", "last_synced_at_s",
			}),
		}).Create(&row).Error
	})
	if err != nil {
		return err
	}

	if err := s.RecomputeSummaries(ctx, tenantID); err != nil {
		s.logger.Warn("summary recompute after targeted refresh failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
	return nil
}

// DeleteTenant removes every mirror record, summary and sync run for a
// tenant. Used by tenant offboarding only.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("mirror: %w", errMissingTenantID)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&Record{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&Summary{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ?", tenantID).Delete(&SyncRun{}).Error
	})
}

// RecomputeSummaries rebuilds the per-category aggregates for a tenant from
// the current mirror contents. Records whose payload cannot be decoded are
// skipped with a log rather than failing the rebuild.
func (s *Store) RecomputeSummaries(ctx context.Context, tenantID string) error {
	records, err := s.ListByTenant(ctx, tenantID, "")
	if err != nil {
		return err
	}

	summaries := make(map[string]*Summary)
	for _, record := range records {
		fields, err := payload.Decode(record.PayloadJSON)
		if err != nil {
			s.logger.Error("skipping record with malformed payload during summary rebuild",
				zap.String("tenant_id", tenantID),
				zap.String("record_id", record.RecordID),
				zap.Error(err))
			continue
		}

		category := categoryUnassigned
		if value, ok := fields[summaryFieldCategory].(string); ok && value != "" {
			category = value
		}

		summary, ok := summaries[category]
		if !ok {
			summary = &Summary{TenantID: tenantID, Category: category}
			summaries[category] = summary
		}
		summary.RecordCount++

		if cost, ok := fields[summaryFieldCost].(float64); ok {
			summary.TotalCost += cost
		}
		if end, ok := fields[summaryFieldEnd].(string); ok && end != "" {
			if summary.EarliestEnd == "" || end < summary.EarliestEnd {
				summary.EarliestEnd = end
			}
			if summary.LatestEnd == "" || end > summary.LatestEnd {
				summary.LatestEnd = end
			}
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&Summary{}).Error; err != nil {
			return fmt.Errorf("mirror: summary clear failed: %w", err)
		}
		for _, summary := range summaries {
			if err := tx.Create(summary).Error; err != nil {
				return fmt.Errorf("mirror: summary insert failed: %w", err)
			}
		}
		return nil
	})
}

// ListSummaries returns the tenant's current per-category aggregates.
func (s *Store) ListSummaries(ctx context.Context, tenantID string) ([]Summary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("mirror: %w", errMissingTenantID)
	}
	var summaries []Summary
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("category ASC").
		Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("mirror: summary list failed: %w", err)
	}
	return summaries, nil
}

// BeginRun records the start of a sync cycle for the tenant.
func (s *Store) BeginRun(ctx context.Context, tenantID string) (SyncRun, error) {
	if tenantID == "" {
		return SyncRun{}, fmt.Errorf("mirror: %w", errMissingTenantID)
	}

	runID, err := s.idProvider.NewID()
	if err != nil {
		return SyncRun{}, fmt.Errorf("mirror: run id generation failed: %w", err)
	}

	run := SyncRun{
		RunID:            runID,
		TenantID:         tenantID,
		StartedAtSeconds: s.clock().UTC().Unix(),
		Status:           RunStatusRunning,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return SyncRun{}, fmt.Errorf("mirror: run insert failed: %w", err)
	}
	return run, nil
}

// FinishRun closes a sync run as succeeded, or failed when runErr is
// non-nil, recording the processed count and failure cause.
func (s *Store) FinishRun(ctx context.Context, runID string, recordsProcessed int64, runErr error) error {
	if runID == "" {
		return fmt.Errorf("mirror: %w", errMissingRunID)
	}

	status := RunStatusSucceeded
	errorText := ""
	if runErr != nil {
		status = RunStatusFailed
		errorText = runErr.Error()
	}

	return s.db.WithContext(ctx).Model(&SyncRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{
			"status":            status,
			"error":             errorText,
			"records_processed": recordsProcessed,
			"finished_at_s":     s.clock().UTC().Unix(),
		}).Error
}

// LastRun returns the most recently started sync run for the tenant, or
// ErrNoRuns when the tenant has never synced.
func (s *Store) LastRun(ctx context.Context, tenantID string) (SyncRun, error) {
	if tenantID == "" {
		return SyncRun{}, fmt.Errorf("mirror: %w", errMissingTenantID)
	}

	var run SyncRun
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("started_at_s DESC, run_id DESC").
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncRun{}, ErrNoRuns
	}
	if err != nil {
		return SyncRun{}, fmt.Errorf("mirror: last run lookup failed: %w", err)
	}
	return run, nil
}

func escapeLike(value string) string {
	escaped := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, value[i])
	}
	return string(escaped)
}
