package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laiskygw/geminigw/store"
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestAddRejectsInvalidSecret(t *testing.T) {
	r := setupTestRegistry(t)
	_, err := r.Add(context.Background(), "short", "")
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestAddRejectsDuplicateSecret(t *testing.T) {
	r := setupTestRegistry(t)
	secret := "AIzaSy0123456789abcdefghijklmno"

	_, err := r.Add(context.Background(), secret, "first")
	require.NoError(t, err)

	_, err = r.Add(context.Background(), secret, "second")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAddBatchDeduplicatesWithinBatch(t *testing.T) {
	r := setupTestRegistry(t)
	secret := "AIzaSy0123456789abcdefghijklmno"

	summary, err := r.AddBatch(context.Background(), []string{secret, secret})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
}

func TestIncrementUsageResetsOnStaleDate(t *testing.T) {
	r := setupTestRegistry(t)
	secret := "AIzaSy0123456789abcdefghijklmno"

	k, err := r.Add(context.Background(), secret, "")
	require.NoError(t, err)

	// simulate a stale usage date from a previous civil day
	require.NoError(t, r.st.DB().Model(&store.UpstreamKey{}).
		Where("id = ?", k.ID).
		Updates(map[string]any{
			"usage_date":       "2000-01-01",
			"model_usage_json": `{"gemini-2.5-pro":5}`,
		}).Error)

	updated, err := r.IncrementUsage(context.Background(), k.ID, "gemini-2.5-pro", store.CategoryPro)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ModelUsage["gemini-2.5-pro"])
	assert.Equal(t, 1, updated.CategoryUsage[store.CategoryPro])
}

func TestHandle429EscalatesAfterThreshold(t *testing.T) {
	r := setupTestRegistry(t)
	secret := "AIzaSy0123456789abcdefghijklmno"
	k, err := r.Add(context.Background(), secret, "")
	require.NoError(t, err)

	ctx := context.Background()
	var last *Key
	for i := 0; i < 3; i++ {
		last, err = r.Handle429(ctx, k.ID, "gemini-2.5-flash", store.CategoryFlash, 3, 999999)
		require.NoError(t, err)
	}
	assert.Equal(t, 999999, last.CategoryUsage[store.CategoryFlash])
}

func TestRecordAndClearError(t *testing.T) {
	r := setupTestRegistry(t)
	secret := "AIzaSy0123456789abcdefghijklmno"
	k, err := r.Add(context.Background(), secret, "")
	require.NoError(t, err)

	require.NoError(t, r.RecordError(context.Background(), k.ID, 401))

	loaded, err := r.Get(context.Background(), k.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ErrorStatus)
	assert.Equal(t, 401, *loaded.ErrorStatus)

	cleared, err := r.ClearError(context.Background(), k.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.ErrorStatus)
}

func TestDeleteAllWithError(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	k1, err := r.Add(ctx, "AIzaSy0123456789abcdefghijklmn1", "")
	require.NoError(t, err)
	k2, err := r.Add(ctx, "AIzaSy0123456789abcdefghijklmn2", "")
	require.NoError(t, err)

	require.NoError(t, r.RecordError(ctx, k1.ID, 403))

	n, ids, err := r.DeleteAllWithError(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{k1.ID}, ids)

	remaining, err := r.ListWithUsage(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, k2.ID, remaining[0].ID)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
