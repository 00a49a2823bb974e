package mirror

// RunStatus enumerates the lifecycle states of a sync run.
type RunStatus string

const (
	// RunStatusRunning marks a cycle that has started but not finished.
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded marks a cycle that refreshed every page.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed marks a cycle aborted by an upstream or storage error.
	RunStatusFailed RunStatus = "failed"
)

// Record is the locally cached baseline copy of one upstream record. It is
// only ever written by sync refreshes and targeted post-commit refreshes,
// never by user edits.
type Record struct {
	TenantID            string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	RecordID            string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON         string `gorm:"column:payload_json;type:text;not null"`
	Version             string `gorm:"column:version;size:190;not null"`
	LastSyncedAtSeconds int64  `gorm:"column:last_synced_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "mirror_records"
}

// SyncRun captures operational metadata for one refresh cycle of a tenant.
type SyncRun struct {
	RunID             string    `gorm:"column:run_id;primaryKey;size:190;not null"`
	TenantID          string    `gorm:"column:tenant_id;size:190;not null;index:idx_sync_runs_tenant_started,priority:1"`
	StartedAtSeconds  int64     `gorm:"column:started_at_s;not null;index:idx_sync_runs_tenant_started,priority:2"`
	FinishedAtSeconds int64     `gorm:"column:finished_at_s;not null;default:0"`
	RecordsProcessed  int64     `gorm:"column:records_processed;not null;default:0"`
	Status            RunStatus `gorm:"column:status;size:32;not null"`
	Error             string    `gorm:"column:error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncRun) TableName() string {
	return "sync_runs"
}

// Summary is a derived per-category aggregate over a tenant's mirror,
// recomputed after each successful sync cycle and after targeted refreshes.
type Summary struct {
	TenantID    string  `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Category    string  `gorm:"column:category;primaryKey;size:190;not null"`
	RecordCount int64   `gorm:"column:record_count;not null"`
	TotalCost   float64 `gorm:"column:total_cost;not null"`
	EarliestEnd string  `gorm:"column:earliest_end;size:64;not null;default:''"`
	LatestEnd   string  `gorm:"column:latest_end;size:64;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Summary) TableName() string {
	return "mirror_summaries"
}
