package delta

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
	// ErrNotFound indicates that no delta exists for the composite key.
	ErrNotFound = errors.New("delta: record not found")
	// ErrNoChangedFields indicates a save with an empty change set.
	ErrNoChangedFields = errors.New("delta: changed fields must not be empty")

	errMissingDatabase = errors.New("database handle is required")
	errMissingTenantID = errors.New("tenant identifier is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingRecordID = errors.New("record identifier is required")

	noOpLogger = zap.NewNop()
)

// StoreConfig bundles the dependencies of a delta store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists per-(tenant, user, record) pending changes. It performs
// atomic per-row writes only; write-path serialization across save, discard
// and commit is owned by the reconciliation coordinator's keyed locks.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates configuration and constructs a delta store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("delta: %w", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the delta for the composite key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, userID, recordID string) (Record, error) {
	if err := validateKey(tenantID, userID, recordID); err != nil {
		return Record{}, err
	}

	var record Record
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND record_id = ?", tenantID, userID, recordID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("delta: get failed: %w", err)
	}
	return record, nil
}

// Save upserts the user's pending changes for one record. Changed fields
// merge into any existing delta, new values overwriting old ones per field;
// this is a single-document accumulator, not a change log. The base version
// is captured only when the delta is first created, so it always reflects
// the mirror state the user started editing from.
func (s *Store) Save(ctx context.Context, tenantID, userID, recordID string, changed payload.Fields, baseVersion string) (Record, error) {
	if err := validateKey(tenantID, userID, recordID); err != nil {
		return Record{}, err
	}
	if len(changed) == 0 {
		return Record{}, ErrNoChangedFields
	}

	var saved Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND user_id = ? AND record_id = ?", tenantID, userID, recordID).
			Take(&existing).Error

		fields := payload.Clone(changed)
		version := baseVersion
		if err == nil {
			accumulated, decodeErr := payload.Decode(existing.ChangedFieldsJSON)
			if decodeErr != nil {
				// Malformed accumulator: start over from the incoming fields
				// rather than wedging the user's draft forever.
				s.logger.Error("discarding malformed delta accumulator",
					zap.String("tenant_id", tenantID),
					zap.String("user_id", userID),
					zap.String("record_id", recordID),
					zap.Error(decodeErr))
			} else {
				fields = payload.Merge(accumulated, changed)
			}
			version = existing.BaseVersion
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("delta: save select failed: %w", err)
		}

		encoded, err := payload.Encode(fields)
		if err != nil {
			return fmt.Errorf("delta: save encode failed: %w", err)
		}

		saved = Record{
			TenantID:          tenantID,
			UserID:            userID,
			RecordID:          recordID,
			ChangedFieldsJSON: encoded,
			BaseVersion:       version,
			ModifiedAtSeconds: s.clock().UTC().Unix(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"changed_fields_json", "base_version", "modified_at_s",
			}),
		}).Create(&saved).Error
	})
	if err != nil {
		return Record{}, err
	}
	return saved, nil
}

// Discard deletes the delta for the composite key. Discarding a key with no
// delta is a no-op.
func (s *Store) Discard(ctx context.Context, tenantID, userID, recordID string) error {
	if err := validateKey(tenantID, userID, recordID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND record_id = ?", tenantID, userID, recordID).
		Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("delta: discard failed: %w", err)
	}
	return nil
}

// ListByUser returns every pending delta the user holds within the tenant,
// ordered by record id.
func (s *Store) ListByUser(ctx context.Context, tenantID, userID string) ([]Record, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("delta: %w", errMissingTenantID)
	}
	if userID == "" {
		return nil, fmt.Errorf("delta: %w", errMissingUserID)
	}

	var records []Record
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("record_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("delta: list failed: %w", err)
	}
	return records, nil
}

func validateKey(tenantID, userID, recordID string) error {
	if tenantID == "" {
		return fmt.Errorf("delta: %w", errMissingTenantID)
	}
	if userID == "" {
		return fmt.Errorf("delta: %w", errMissingUserID)
	}
	if recordID == "" {
		return fmt.Errorf("delta: %w", errMissingRecordID)
	}
	return nil
}
