package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeStore(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "store.db")
	require.NoError(t, os.WriteFile(path, []byte(sqliteMagic+"fake database bytes"), 0o600))
	return path
}

func TestDisabledMirrorIsNoOp(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, m.Enabled())
	m.NotifyMutation() // must not panic or schedule anything
	require.NoError(t, m.Bootstrap(context.Background()))
}

func TestBootstrapHandles404AsFirstDeployment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m, err := New(Config{StorePath: writeFakeStore(t, dir), RemoteURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, m.Bootstrap(context.Background()))
	assert.True(t, m.initialSynced)
}

func TestUploadSendsPlaintextWhenNoEncryptionKey(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		received = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeFakeStore(t, dir)
	m, err := New(Config{StorePath: path, RemoteURL: srv.URL, SyncInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, m.upload(context.Background()))

	want, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, received)
}

func TestUploadEncryptsWhenKeyConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeFakeStore(t, dir)
	m, err := New(Config{
		StorePath:        path,
		RemoteURL:        srv.URL,
		EncryptionKeyRaw: "a secret passphrase long enough",
		SyncInterval:     time.Hour,
	})
	require.NoError(t, err)
	assert.NotNil(t, m.encKey)
	require.NoError(t, m.upload(context.Background()))
}

func TestUploadSendsPriorRevisionAsIfMatch(t *testing.T) {
	var ifMatch []string
	etag := `"rev-1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ifMatch = append(ifMatch, r.Header.Get("If-Match"))
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeFakeStore(t, dir)
	m, err := New(Config{StorePath: path, RemoteURL: srv.URL, SyncInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, m.upload(context.Background()))
	require.NoError(t, m.upload(context.Background()))

	require.Len(t, ifMatch, 2)
	assert.Empty(t, ifMatch[0], "first upload has no prior revision to send")
	assert.Equal(t, etag, ifMatch[1], "second upload must send the ETag observed from the first")
}

func TestFireSkipsUploadUntilInitialSyncCompletes(t *testing.T) {
	var uploads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(sqliteMagic + "remote bytes"))
			return
		}
		uploads++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeFakeStore(t, dir)
	m, err := New(Config{StorePath: path, RemoteURL: srv.URL, SyncInterval: time.Hour})
	require.NoError(t, err)

	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()

	m.fire()
	assert.Equal(t, 0, uploads, "upload must not run before Bootstrap marks the initial sync complete")

	m.mu.Lock()
	stillDirty := m.dirty
	m.mu.Unlock()
	assert.True(t, stillDirty, "dirty flag must survive a skipped fire so a later sync still picks it up")

	require.NoError(t, m.Bootstrap(context.Background()))
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()

	m.fire()
	assert.Equal(t, 1, uploads, "upload should proceed once the initial sync has completed")
}

func TestNotifyMutationDoesNotRestartPendingTimer(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeStore(t, dir)
	m, err := New(Config{StorePath: path, RemoteURL: "http://example.invalid", SyncInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	m.NotifyMutation()
	m.mu.Lock()
	firstScheduled := m.timerScheduled
	m.mu.Unlock()
	assert.True(t, firstScheduled)

	// second mutation while one is pending must not schedule a second timer
	m.NotifyMutation()
	m.mu.Lock()
	stillOneScheduled := m.timerScheduled
	m.mu.Unlock()
	assert.True(t, stillOneScheduled)
}
