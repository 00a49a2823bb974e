package delta

// Record holds one user's uncommitted field-level changes to one mirror
// record. At most one row exists per (tenant, user, record); it is deleted
// outright on commit or discard, never archived.
type Record struct {
	TenantID          string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_deltas_tenant_user,priority:2"`
	RecordID          string `gorm:"column:record_id;primaryKey;size:190;not null"`
	ChangedFieldsJSON string `gorm:"column:changed_fields_json;type:text;not null"`
	BaseVersion       string `gorm:"column:base_version;size:190;not null;default:''"`
	ModifiedAtSeconds int64  `gorm:"column:modified_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "delta_records"
}
