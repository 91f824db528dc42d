// Package catalog implements component E: the model catalog (model id ->
// category/quota mapping) and the shared Pro/Flash category quotas.
//
// Grounded on model/channel.go's upsert/list/delete CRUD shape and on
// common/config's defaulted-settings pattern in the teacher repo, adapted
// to the spec's category-quota model instead of per-channel group ratios.
package catalog

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/laiskygw/geminigw/store"
)

// ErrNotFound is returned when a model id has no catalog entry.
var ErrNotFound = errors.New("model not found in catalog")

// ErrInvalidQuota is returned by Upsert when the requested quotas violate
// §4.E's validation: quotas must be non-negative, Custom models must
// carry an explicit dailyQuota (0 means unlimited; a nil dailyQuota,
// whether the field was omitted or sent as null, is rejected), and
// individualQuota only applies to Pro/Flash.
var ErrInvalidQuota = errors.New("invalid model quota configuration")

// Catalog owns ModelConfigRow entries and the category quota setting.
type Catalog struct {
	st *store.Store
}

// New constructs a Catalog backed by st.
func New(st *store.Store) *Catalog {
	return &Catalog{st: st}
}

// Entry is the typed view of a catalog row.
type Entry struct {
	ModelID         string
	Category        string
	DailyQuota      *int64
	IndividualQuota *int64
}

func fromRow(row *store.ModelConfigRow) *Entry {
	return &Entry{
		ModelID:         row.ModelID,
		Category:        row.Category,
		DailyQuota:      row.DailyQuota,
		IndividualQuota: row.IndividualQuota,
	}
}

// InferCategory implements the fallback category inference from §4.E:
// a model id containing "flash" (case-insensitive) defaults to Flash, one
// containing "pro" defaults to Pro, anything else defaults to Flash.
func InferCategory(modelID string) string {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "flash"):
		return store.CategoryFlash
	case strings.Contains(lower, "pro"):
		return store.CategoryPro
	default:
		return store.CategoryFlash
	}
}

// List returns every catalog entry.
func (c *Catalog) List(ctx context.Context) ([]*Entry, error) {
	var rows []store.ModelConfigRow
	if err := c.st.DB().WithContext(ctx).Order("model_id asc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list catalog entries")
	}
	out := make([]*Entry, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// Get returns the catalog entry for modelID, falling back to inferred
// category with no explicit quotas when the model has never been
// registered (§4.E "unregistered models still route using the inferred
// category").
func (c *Catalog) Get(ctx context.Context, modelID string) (*Entry, error) {
	var row store.ModelConfigRow
	err := c.st.DB().WithContext(ctx).Where("model_id = ?", modelID).First(&row).Error
	switch {
	case err == nil:
		return fromRow(&row), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &Entry{ModelID: modelID, Category: InferCategory(modelID)}, nil
	default:
		return nil, errors.Wrap(err, "load catalog entry")
	}
}

// Upsert creates or updates the catalog entry for modelID.
func (c *Catalog) Upsert(ctx context.Context, modelID, category string, dailyQuota, individualQuota *int64) (*Entry, error) {
	if category == "" {
		category = InferCategory(modelID)
	}
	if err := validateQuotas(category, dailyQuota, individualQuota); err != nil {
		return nil, err
	}
	row := &store.ModelConfigRow{
		ModelID:         modelID,
		Category:        category,
		DailyQuota:      dailyQuota,
		IndividualQuota: individualQuota,
	}
	err := c.st.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Save(row).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "upsert catalog entry")
	}
	return fromRow(row), nil
}

// validateQuotas enforces §4.E's validation rule: quotas are non-negative
// integers, Custom requires an explicit dailyQuota (0 meaning unlimited,
// nil meaning invalid), and individualQuota only applies to Pro/Flash.
func validateQuotas(category string, dailyQuota, individualQuota *int64) error {
	if dailyQuota != nil && *dailyQuota < 0 {
		return errors.Wrap(ErrInvalidQuota, "dailyQuota must be non-negative")
	}
	if individualQuota != nil && *individualQuota < 0 {
		return errors.Wrap(ErrInvalidQuota, "individualQuota must be non-negative")
	}

	if category == store.CategoryCustom {
		if dailyQuota == nil {
			return errors.Wrap(ErrInvalidQuota, "Custom models require an explicit dailyQuota")
		}
		if individualQuota != nil {
			return errors.Wrap(ErrInvalidQuota, "individualQuota does not apply to Custom models")
		}
	}
	return nil
}

// Delete removes modelID's catalog entry, reverting it to inferred
// category for future lookups.
func (c *Catalog) Delete(ctx context.Context, modelID string) error {
	return c.st.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&store.ModelConfigRow{}, "model_id = ?", modelID)
		if res.Error != nil {
			return errors.Wrap(res.Error, "delete catalog entry")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CategoryQuotas is the shared daily cap, per key, for Pro and Flash
// (§3 Settings.categoryQuotas / §GLOSSARY Category Quota).
type CategoryQuotas struct {
	Pro   int64 `json:"pro"`
	Flash int64 `json:"flash"`
}

// GetCategoryQuotas reads the category quota setting, applying the
// configured defaults when unset.
func (c *Catalog) GetCategoryQuotas(ctx context.Context, defaultPro, defaultFlash int64) (*CategoryQuotas, error) {
	var row store.Setting
	err := c.st.DB().WithContext(ctx).Where("key = ?", store.SettingCategoryQuotas).First(&row).Error
	switch {
	case err == nil:
		var q CategoryQuotas
		if err := json.Unmarshal([]byte(row.Value), &q); err != nil {
			return nil, errors.Wrap(err, "decode category quotas")
		}
		return &q, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &CategoryQuotas{Pro: defaultPro, Flash: defaultFlash}, nil
	default:
		return nil, errors.Wrap(err, "load category quotas")
	}
}

// SetCategoryQuotas persists new Pro/Flash daily caps.
func (c *Catalog) SetCategoryQuotas(ctx context.Context, q *CategoryQuotas) error {
	b, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "encode category quotas")
	}
	return c.st.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Save(&store.Setting{Key: store.SettingCategoryQuotas, Value: string(b)}).Error
	})
}
