package selector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laiskygw/geminigw/catalog"
	"github.com/laiskygw/geminigw/registry"
	"github.com/laiskygw/geminigw/store"
)

func setupTestSelector(t *testing.T) (*Selector, *registry.Registry, *catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st)
	cat := catalog.New(st)
	sel := New(st, reg, cat, 2, 2, 3)
	return sel, reg, cat
}

func TestSelectReturnsNilWithNoKeys(t *testing.T) {
	sel, _, _ := setupTestSelector(t)
	k, err := sel.Select(context.Background(), "gemini-2.5-flash", Options{})
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestSelectSkipsErroredKeys(t *testing.T) {
	sel, reg, _ := setupTestSelector(t)
	ctx := context.Background()

	bad, err := reg.Add(ctx, "AIzaSy0000000000000000000000bad", "")
	require.NoError(t, err)
	require.NoError(t, reg.RecordError(ctx, bad.ID, 401))

	good, err := reg.Add(ctx, "AIzaSy0000000000000000000000good", "")
	require.NoError(t, err)

	selected, err := sel.Select(ctx, "gemini-2.5-flash", Options{})
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, good.ID, selected.ID)
}

func TestSelectSkipsKeysAtCategoryCap(t *testing.T) {
	sel, reg, _ := setupTestSelector(t)
	ctx := context.Background()

	k1, err := reg.Add(ctx, "AIzaSy0000000000000000000000k1a", "")
	require.NoError(t, err)
	k2, err := reg.Add(ctx, "AIzaSy0000000000000000000000k2a", "")
	require.NoError(t, err)

	// exhaust k1's Flash category cap (quota=2)
	_, err = reg.IncrementUsage(ctx, k1.ID, "gemini-2.5-flash", store.CategoryFlash)
	require.NoError(t, err)
	_, err = reg.IncrementUsage(ctx, k1.ID, "gemini-2.5-flash", store.CategoryFlash)
	require.NoError(t, err)

	selected, err := sel.Select(ctx, "gemini-2.5-flash", Options{AdvanceCursor: true})
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, k2.ID, selected.ID)
}

func TestSelectAdvanceCursorRotates(t *testing.T) {
	sel, reg, _ := setupTestSelector(t)
	ctx := context.Background()

	_, err := reg.Add(ctx, "AIzaSy0000000000000000000000k1b", "")
	require.NoError(t, err)
	k2, err := reg.Add(ctx, "AIzaSy0000000000000000000000k2b", "")
	require.NoError(t, err)

	first, err := sel.Select(ctx, "gemini-2.5-flash", Options{AdvanceCursor: true})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := sel.Select(ctx, "gemini-2.5-flash", Options{AdvanceCursor: true})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, k2.ID, second.ID)
}

func TestSelectCustomModelUsesDailyQuotaNotCategory(t *testing.T) {
	sel, reg, cat := setupTestSelector(t)
	ctx := context.Background()

	quota := int64(1)
	_, err := cat.Upsert(ctx, "custom-model", store.CategoryCustom, &quota, nil)
	require.NoError(t, err)

	k1, err := reg.Add(ctx, "AIzaSy0000000000000000000000k1c", "")
	require.NoError(t, err)
	k2, err := reg.Add(ctx, "AIzaSy0000000000000000000000k2c", "")
	require.NoError(t, err)

	_, err = reg.IncrementUsage(ctx, k1.ID, "custom-model", store.CategoryCustom)
	require.NoError(t, err)

	selected, err := sel.Select(ctx, "custom-model", Options{})
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, k2.ID, selected.ID)
}
