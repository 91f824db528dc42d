// Package selector implements component F: concurrency-safe,
// quota-respecting rotation that returns one usable upstream key for a
// (worker, model) pair.
//
// Grounded on middleware/distributor.go's channel-priority scan in the
// teacher repo, adapted from weighted-priority-group selection down to a
// single stable-order round-robin cursor, since §1 scopes out channel
// priority/fallback groups entirely.
package selector

import (
	"context"
	"strconv"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/laiskygw/geminigw/catalog"
	"github.com/laiskygw/geminigw/common/helper"
	"github.com/laiskygw/geminigw/registry"
	"github.com/laiskygw/geminigw/store"
)

// Selector resolves a usable upstream key for a requested model.
type Selector struct {
	st        *store.Store
	reg       *registry.Registry
	cat       *catalog.Catalog
	proQuota  int64
	flQuota   int64
	threshold int
}

// New constructs a Selector. defaultPro/defaultFlash are the category
// quota fallbacks used when Settings has never been written.
func New(st *store.Store, reg *registry.Registry, cat *catalog.Catalog, defaultPro, defaultFlash int64, consecutive429Threshold int) *Selector {
	return &Selector{
		st:        st,
		reg:       reg,
		cat:       cat,
		proQuota:  defaultPro,
		flQuota:   defaultFlash,
		threshold: consecutive429Threshold,
	}
}

// Threshold returns the configured consecutive-429 escalation threshold,
// used by the dispatcher when calling registry.Handle429.
func (s *Selector) Threshold() int { return s.threshold }

// Options controls whether a successful selection advances the rotation
// cursor (it should not, for a read-only preview/dry-run caller).
type Options struct {
	AdvanceCursor bool
}

// effectiveCaps is the per-request cap computation from §4.F step 2.
type effectiveCaps struct {
	category      string
	categoryCap   int64 // 0 = unlimited
	individualCap *int64
	customCap     int64 // 0 = unlimited, only meaningful for Custom
	isCustom      bool
}

func (s *Selector) resolveCaps(ctx context.Context, modelID string) (*effectiveCaps, error) {
	entry, err := s.cat.Get(ctx, modelID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve catalog entry")
	}

	caps := &effectiveCaps{category: entry.Category}

	if entry.Category == store.CategoryCustom {
		caps.isCustom = true
		if entry.DailyQuota != nil {
			caps.customCap = *entry.DailyQuota
		}
		return caps, nil
	}

	quotas, err := s.cat.GetCategoryQuotas(ctx, s.proQuota, s.flQuota)
	if err != nil {
		return nil, errors.Wrap(err, "resolve category quotas")
	}
	if entry.Category == store.CategoryPro {
		caps.categoryCap = quotas.Pro
	} else {
		caps.categoryCap = quotas.Flash
	}
	caps.individualCap = entry.IndividualQuota
	return caps, nil
}

// underCap reports whether k is still usable against caps for modelID,
// per §4.F step 4's skip conditions. A key whose usage date is before
// today is treated as having zeroed counters; the reset is not persisted.
func underCap(k *registry.Key, modelID string, today string, caps *effectiveCaps) bool {
	modelUsage := k.ModelUsage[modelID]
	categoryUsage := k.CategoryUsage[caps.category]
	if k.UsageDate < today {
		modelUsage = 0
		categoryUsage = 0
	}

	if caps.isCustom {
		return caps.customCap == 0 || int64(modelUsage) < caps.customCap
	}

	if caps.categoryCap != 0 && int64(categoryUsage) >= caps.categoryCap {
		return false
	}
	if caps.individualCap != nil && int64(modelUsage) >= *caps.individualCap {
		return false
	}
	return true
}

func readCursor(ctx context.Context, tx *gorm.DB) (int, error) {
	var row store.Setting
	err := tx.WithContext(ctx).Where("key = ?", store.SettingRotationCursor).First(&row).Error
	switch {
	case err == nil:
		cursor, err := strconv.Atoi(row.Value)
		if err != nil {
			return 0, nil
		}
		return cursor, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, nil
	default:
		return 0, errors.Wrap(err, "read rotation cursor")
	}
}

func writeCursor(tx *gorm.DB, cursor int) error {
	return tx.Save(&store.Setting{Key: store.SettingRotationCursor, Value: strconv.Itoa(cursor)}).Error
}

// Select implements §4.F's selectKey. It returns (nil, nil) when no key
// qualifies.
func (s *Selector) Select(ctx context.Context, requestedModelID string, opts Options) (*registry.Key, error) {
	today, err := helper.Today()
	if err != nil {
		return nil, err
	}

	caps, err := s.resolveCaps(ctx, requestedModelID)
	if err != nil {
		return nil, err
	}

	keys, err := s.reg.ListStableOrder(ctx)
	if err != nil {
		return nil, err
	}
	n := len(keys)
	if n == 0 {
		return nil, nil
	}

	cursor, err := readCursor(ctx, s.st.DB())
	if err != nil {
		return nil, err
	}
	if cursor < 0 || cursor >= n {
		cursor = 0
	}

	var selectedIdx = -1
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		k := keys[idx]
		if k.ErrorStatus != nil {
			continue
		}
		if !underCap(k, requestedModelID, today, caps) {
			continue
		}
		selectedIdx = idx
		break
	}

	if selectedIdx == -1 {
		return nil, nil
	}

	selected := registry.Snapshot(keys[selectedIdx])

	if opts.AdvanceCursor {
		nextCursor := (selectedIdx + 1) % n
		if err := s.st.WithTx(ctx, func(tx *gorm.DB) error {
			return writeCursor(tx, nextCursor)
		}); err != nil {
			return nil, errors.Wrap(err, "advance rotation cursor")
		}
	}

	return selected, nil
}
