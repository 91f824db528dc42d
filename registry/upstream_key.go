// Package registry implements component D: per-upstream-key daily
// counters, error-flag lifecycle, civil-day resets, and bulk add/delete/test.
//
// Grounded on model/channel.go and model/token.go's CRUD + JSON-column
// patterns in the teacher repo, adapted from one row per provider channel
// to one row per pooled upstream API key with typed JSON-backed counters
// (§9 "dynamic JSON-typed counters" design note).
package registry

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/jinzhu/copier"
	"gorm.io/gorm"

	"github.com/laiskygw/geminigw/common/helper"
	"github.com/laiskygw/geminigw/common/random"
	"github.com/laiskygw/geminigw/store"
)

// secretPattern is the fixed format new upstream key secrets must match.
// Real provider keys are long opaque tokens; this accepts any reasonably
// long alphanumeric-with-punctuation string so the registry doesn't need
// to know the exact upstream's key shape.
var secretPattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]{16,128}$`)

// ErrConflict is returned by Add/AddBatch when a secret already exists.
var ErrConflict = errors.New("upstream key already exists")

// ErrInvalidSecret is returned when a secret fails format validation.
var ErrInvalidSecret = errors.New("upstream key secret has invalid format")

// ErrNotFound is returned when an operation references an unknown key id.
var ErrNotFound = errors.New("upstream key not found")

// Registry owns all UpstreamKey rows in the Store.
type Registry struct {
	st *store.Store

	// opInProgress serializes AddBatch and RunAllTests so simultaneous mass
	// writes can't interleave (§5 "operation in progress guard").
	opInProgress sync.Mutex
}

// New constructs a Registry backed by st.
func New(st *store.Store) *Registry {
	return &Registry{st: st}
}

// Key is the in-memory, typed view of an UpstreamKey row returned to
// callers outside this package. JSON-backed counters are decoded here so
// nobody else touches the raw column encoding.
type Key struct {
	ID                string
	Secret            string
	DisplayName       string
	UsageDate         string
	ModelUsage        map[string]int
	CategoryUsage     map[string]int
	ErrorStatus       *int
	Consecutive429    map[string]int
	CreatedAt         int64
}

// KeyWithUsage is Key plus the derived, display-only fields §4.D.listWithUsage
// requires.
type KeyWithUsage struct {
	Key
	Preview string
}

func decodeCounts(raw string) map[string]int {
	m := map[string]int{}
	if raw == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

func encodeCounts(m map[string]int) string {
	if m == nil {
		m = map[string]int{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func fromRow(row *store.UpstreamKey) *Key {
	return &Key{
		ID:             row.ID,
		Secret:         row.Secret,
		DisplayName:    row.DisplayName,
		UsageDate:      row.UsageDate,
		ModelUsage:     decodeCounts(row.ModelUsageJSON),
		CategoryUsage:  decodeCounts(row.CategoryUsageJSON),
		ErrorStatus:    row.ErrorStatus,
		Consecutive429: decodeCounts(row.Consecutive429JSON),
		CreatedAt:      row.CreatedAt,
	}
}

func toRow(k *Key) *store.UpstreamKey {
	return &store.UpstreamKey{
		ID:                 k.ID,
		Secret:             k.Secret,
		DisplayName:        k.DisplayName,
		UsageDate:          k.UsageDate,
		ModelUsageJSON:     encodeCounts(k.ModelUsage),
		CategoryUsageJSON:  encodeCounts(k.CategoryUsage),
		ErrorStatus:        k.ErrorStatus,
		Consecutive429JSON: encodeCounts(k.Consecutive429),
		CreatedAt:          k.CreatedAt,
	}
}

// Snapshot returns a defensive copy of k so callers (notably the selector's
// in-memory scan) never mutate registry-owned state directly.
func Snapshot(k *Key) *Key {
	var out Key
	if err := copier.CopyWithOption(&out, k, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on type mismatches between identical structs,
		// which cannot happen here; fall back to a shallow copy of maps.
		out = *k
		out.ModelUsage = map[string]int{}
		for mk, mv := range k.ModelUsage {
			out.ModelUsage[mk] = mv
		}
		out.CategoryUsage = map[string]int{}
		for mk, mv := range k.CategoryUsage {
			out.CategoryUsage[mk] = mv
		}
		out.Consecutive429 = map[string]int{}
		for mk, mv := range k.Consecutive429 {
			out.Consecutive429[mk] = mv
		}
	}
	return &out
}

// Add validates and inserts a new upstream key.
func (r *Registry) Add(ctx context.Context, secret, displayName string) (*Key, error) {
	if !secretPattern.MatchString(secret) {
		return nil, ErrInvalidSecret
	}

	k := &Key{
		ID:            random.ShortID(12),
		Secret:        secret,
		DisplayName:   displayName,
		ModelUsage:    map[string]int{},
		CategoryUsage: map[string]int{},
		Consecutive429: map[string]int{},
		CreatedAt:     helper.GetTimestamp(),
	}
	today, err := helper.Today()
	if err != nil {
		return nil, err
	}
	k.UsageDate = today

	row := toRow(k)
	err = r.st.WithTx(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&store.UpstreamKey{}).Where("secret = ?", secret).Count(&existing).Error; err != nil {
			return errors.Wrap(err, "check existing secret")
		}
		if existing > 0 {
			return ErrConflict
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

// BatchResult is the per-item outcome of AddBatch.
type BatchResult struct {
	Secret  string `json:"secret"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AddBatchSummary is the overall response to a batch add (§8 scenario 6).
type AddBatchSummary struct {
	SuccessCount int           `json:"successCount"`
	FailureCount int           `json:"failureCount"`
	Results      []BatchResult `json:"results"`
}

// AddBatch de-duplicates secrets within the batch and against existing
// rows, returning a per-item success/failure summary.
func (r *Registry) AddBatch(ctx context.Context, secrets []string) (*AddBatchSummary, error) {
	r.opInProgress.Lock()
	defer r.opInProgress.Unlock()

	summary := &AddBatchSummary{Results: make([]BatchResult, 0, len(secrets))}
	seen := map[string]bool{}

	for _, secret := range secrets {
		if seen[secret] {
			summary.Results = append(summary.Results, BatchResult{Secret: secret, Success: false, Error: "duplicate within batch"})
			summary.FailureCount++
			continue
		}
		seen[secret] = true

		if _, err := r.Add(ctx, secret, ""); err != nil {
			summary.Results = append(summary.Results, BatchResult{Secret: secret, Success: false, Error: err.Error()})
			summary.FailureCount++
			continue
		}
		summary.Results = append(summary.Results, BatchResult{Secret: secret, Success: true})
		summary.SuccessCount++
	}

	return summary, nil
}

// Delete removes a single upstream key by id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.st.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&store.UpstreamKey{}, "id = ?", id)
		if res.Error != nil {
			return errors.Wrap(res.Error, "delete upstream key")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteAllWithError deletes every key currently flagged with an error
// status and returns the count and ids deleted.
func (r *Registry) DeleteAllWithError(ctx context.Context) (int, []string, error) {
	var ids []string
	err := r.st.WithTx(ctx, func(tx *gorm.DB) error {
		var rows []store.UpstreamKey
		if err := tx.Where("error_status IS NOT NULL").Find(&rows).Error; err != nil {
			return errors.Wrap(err, "list errored keys")
		}
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Delete(&store.UpstreamKey{}, "id IN ?", ids).Error
	})
	if err != nil {
		return 0, nil, err
	}
	return len(ids), ids, nil
}

// resetIfStale resets k's counters in place if its usage_date is before
// today, per the invariant in §3/§8: "whenever a counter would be
// incremented and usageDate < today, all counters reset first."
func resetIfStale(k *Key, today string) {
	if k.UsageDate >= today {
		return
	}
	k.UsageDate = today
	k.ModelUsage = map[string]int{}
	k.CategoryUsage = map[string]int{}
	k.Consecutive429 = map[string]int{}
}

// IncrementUsage performs the atomic read-modify-write described in §4.D:
// reset if stale, +1 model usage, +1 category usage (Pro/Flash only),
// reset consecutive429 for modelId, commit.
func (r *Registry) IncrementUsage(ctx context.Context, id, modelID, category string) (*Key, error) {
	today, err := helper.Today()
	if err != nil {
		return nil, err
	}

	var result *Key
	err = r.st.WithTx(ctx, func(tx *gorm.DB) error {
		var row store.UpstreamKey
		if err := tx.Clauses().Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errors.Wrap(err, "load upstream key")
		}

		k := fromRow(&row)
		resetIfStale(k, today)

		k.ModelUsage[modelID]++
		if category == store.CategoryPro || category == store.CategoryFlash {
			k.CategoryUsage[category]++
		}
		k.Consecutive429[modelID] = 0

		newRow := toRow(k)
		if err := tx.Model(&store.UpstreamKey{}).Where("id = ?", id).Updates(map[string]any{
			"usage_date":          newRow.UsageDate,
			"model_usage_json":    newRow.ModelUsageJSON,
			"category_usage_json": newRow.CategoryUsageJSON,
			"consecutive_429_json": newRow.Consecutive429JSON,
		}).Error; err != nil {
			return errors.Wrap(err, "persist usage increment")
		}

		result = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Handle429 implements the reference escalation policy documented in §4.D
// and §9's open question: increment consecutive429[modelId]; once it
// reaches config.Consecutive429Threshold, treat the key as
// quota-exhausted for category for the remainder of today by pinning its
// categoryUsage[category] to a value the selector will always see as at
// cap. This is chosen over setting errorStatus because a 429 is a
// transient capacity signal, not a credential failure, and should clear
// itself at the next civil-day reset rather than requiring an explicit
// clearError call.
func (r *Registry) Handle429(ctx context.Context, id, modelID, category string, threshold int, exhaustedCategoryUsage int) (*Key, error) {
	today, err := helper.Today()
	if err != nil {
		return nil, err
	}

	var result *Key
	err = r.st.WithTx(ctx, func(tx *gorm.DB) error {
		var row store.UpstreamKey
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errors.Wrap(err, "load upstream key")
		}

		k := fromRow(&row)
		resetIfStale(k, today)

		k.Consecutive429[modelID]++
		if k.Consecutive429[modelID] >= threshold && (category == store.CategoryPro || category == store.CategoryFlash) {
			if k.CategoryUsage[category] < exhaustedCategoryUsage {
				k.CategoryUsage[category] = exhaustedCategoryUsage
			}
		}

		newRow := toRow(k)
		if err := tx.Model(&store.UpstreamKey{}).Where("id = ?", id).Updates(map[string]any{
			"usage_date":           newRow.UsageDate,
			"model_usage_json":     newRow.ModelUsageJSON,
			"category_usage_json":  newRow.CategoryUsageJSON,
			"consecutive_429_json": newRow.Consecutive429JSON,
		}).Error; err != nil {
			return errors.Wrap(err, "persist 429 escalation")
		}

		result = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordError sets errorStatus, removing the key from rotation until
// ClearError is called.
func (r *Registry) RecordError(ctx context.Context, id string, status int) error {
	return r.st.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&store.UpstreamKey{}).Where("id = ?", id).Update("error_status", status)
		if res.Error != nil {
			return errors.Wrap(res.Error, "record error status")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ClearError unsets errorStatus and returns the refreshed key.
func (r *Registry) ClearError(ctx context.Context, id string) (*Key, error) {
	var result *Key
	err := r.st.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&store.UpstreamKey{}).Where("id = ?", id).Update("error_status", nil)
		if res.Error != nil {
			return errors.Wrap(res.Error, "clear error status")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var row store.UpstreamKey
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return errors.Wrap(err, "reload upstream key")
		}
		result = fromRow(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListWithUsage returns every key plus the derived display fields.
func (r *Registry) ListWithUsage(ctx context.Context) ([]*KeyWithUsage, error) {
	var rows []store.UpstreamKey
	if err := r.st.DB().WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list upstream keys")
	}

	out := make([]*KeyWithUsage, 0, len(rows))
	for i := range rows {
		k := fromRow(&rows[i])
		out = append(out, &KeyWithUsage{Key: *k, Preview: random.Preview(k.Secret)})
	}
	return out, nil
}

// Get loads a single key by id.
func (r *Registry) Get(ctx context.Context, id string) (*Key, error) {
	var row store.UpstreamKey
	if err := r.st.DB().WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "load upstream key")
	}
	return fromRow(&row), nil
}

// ListStableOrder returns every key ordered by stable insertion order
// (creation time, then id as a tiebreak), the order the selector rotates
// over (§4.F step 4).
func (r *Registry) ListStableOrder(ctx context.Context) ([]*Key, error) {
	var rows []store.UpstreamKey
	if err := r.st.DB().WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list upstream keys in stable order")
	}
	out := make([]*Key, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// TestResult is the outcome of Test.
type TestResult struct {
	Success    bool
	HTTPStatus int
	Body       string
}

// TestFunc performs the minimal generation call §4.D.test requires; it is
// supplied by the gateway (which sends it through the dispatcher) to avoid
// a registry -> dispatch import cycle (dispatch already imports registry
// for the Key type).
type TestFunc func(ctx context.Context, secret, modelID string) (httpStatus int, body string, err error)

// Test performs a minimal generation call using key id against modelID,
// incrementing usage on success or recording an error on 400/401/403.
func (r *Registry) Test(ctx context.Context, id, modelID, category string, call TestFunc) (*TestResult, error) {
	k, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	status, body, callErr := call(ctx, k.Secret, modelID)
	if callErr != nil {
		return &TestResult{Success: false, HTTPStatus: status, Body: callErr.Error()}, nil
	}

	switch {
	case status >= 200 && status < 300:
		if _, err := r.IncrementUsage(ctx, id, modelID, category); err != nil {
			return nil, err
		}
		return &TestResult{Success: true, HTTPStatus: status, Body: body}, nil
	case status == 400 || status == 401 || status == 403:
		if err := r.RecordError(ctx, id, status); err != nil {
			return nil, err
		}
		return &TestResult{Success: false, HTTPStatus: status, Body: body}, nil
	default:
		return &TestResult{Success: false, HTTPStatus: status, Body: body}, nil
	}
}

// RunAllTests serializes mass test runs with AddBatch via the same guard
// (§5 "Batch key insert and run-all-tests are serialized").
func (r *Registry) RunAllTests(ctx context.Context, modelID, category string, call TestFunc) (map[string]*TestResult, error) {
	r.opInProgress.Lock()
	defer r.opInProgress.Unlock()

	keys, err := r.ListStableOrder(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*TestResult, len(keys))
	for _, k := range keys {
		res, err := r.Test(ctx, k.ID, modelID, category, call)
		if err != nil {
			return nil, err
		}
		results[k.ID] = res
	}
	return results, nil
}
