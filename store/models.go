package store

// UpstreamKey is the durable row for a pooled upstream API credential
// (§3 UpstreamKey). modelUsage/categoryUsage/consecutive429 are stored as
// JSON text per the "dynamic JSON-typed counters" design note (§9): a
// typed blob instead of a stringly-typed free-form column, exposed only
// through the typed accessors in package registry.
type UpstreamKey struct {
	ID                string `gorm:"primaryKey;column:id"`
	Secret            string `gorm:"column:secret;uniqueIndex"`
	DisplayName       string `gorm:"column:display_name"`
	UsageDate         string `gorm:"column:usage_date"`
	ModelUsageJSON    string `gorm:"column:model_usage_json;type:text"`
	CategoryUsageJSON string `gorm:"column:category_usage_json;type:text"`
	// ErrorStatus is nil when the key is healthy; otherwise one of 400/401/403.
	ErrorStatus        *int   `gorm:"column:error_status"`
	Consecutive429JSON string `gorm:"column:consecutive_429_json;type:text"`
	CreatedAt          int64  `gorm:"column:created_at"`
}

func (UpstreamKey) TableName() string { return "upstream_keys" }

// WorkerKey is the durable row for a locally-issued client credential
// (§3 WorkerKey).
type WorkerKey struct {
	Secret        string `gorm:"column:secret;primaryKey"`
	Description   string `gorm:"column:description"`
	SafetyEnabled bool   `gorm:"column:safety_enabled;default:true"`
	CreatedAt     int64  `gorm:"column:created_at"`
}

func (WorkerKey) TableName() string { return "worker_keys" }

// Model category constants (§3 ModelConfig / §GLOSSARY Category).
const (
	CategoryPro    = "Pro"
	CategoryFlash  = "Flash"
	CategoryCustom = "Custom"
)

// ModelConfigRow is the durable row for a catalog model → category mapping
// (§3 ModelConfig).
type ModelConfigRow struct {
	ModelID         string `gorm:"column:model_id;primaryKey"`
	Category        string `gorm:"column:category"`
	DailyQuota      *int64 `gorm:"column:daily_quota"`
	IndividualQuota *int64 `gorm:"column:individual_quota"`
}

func (ModelConfigRow) TableName() string { return "models_config" }

// Setting is a generic key/value row (§3 Settings). The rows written are
// the category quotas and the rotation cursor; keep-alive, max-retry,
// web-search and the alternate-backend config are read from the
// environment (common/config), not stored here.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value;type:text"`
}

func (Setting) TableName() string { return "settings" }

// Well-known Settings keys.
const (
	SettingCategoryQuotas = "category_quotas"
	SettingRotationCursor = "gemini_key_index"
	SettingKeyListCache   = "gemini_key_list"
)
