// Package mirror implements component B: a debounced, one-way backup of
// the Store file to a remote HTTP endpoint, with optional at-rest
// encryption and a startup bootstrap download.
//
// Grounded on the debounce-timer-that-does-not-restart pattern used for
// Telegram inbound buffering in the NGOClaw example, adapted from
// per-key reassembly windows to a single process-wide dirty flag guarding
// one scheduled upload. Failure handling follows the teacher's
// log-and-continue idiom for non-critical background work.
package mirror

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/laiskygw/geminigw/common/client"
	"github.com/laiskygw/geminigw/common/crypto"
	"github.com/laiskygw/geminigw/common/logger"
)

// sqliteMagic is the first 16 bytes of an uncompressed sqlite3 file,
// used as the encrypted-vs-plaintext heuristic required by §4.B.
const sqliteMagic = "SQLite format 3\x00"

// Mirror debounces store-file uploads to a remote backup endpoint.
type Mirror struct {
	storePath string
	remoteURL string
	token     string
	encKey    []byte // nil when encryption is disabled
	syncEvery time.Duration
	client    *http.Client

	mu             sync.Mutex
	dirty          bool
	timerScheduled bool
	initialSynced  bool
	revision       string // last-observed remote ETag, sent back as If-Match

	stop chan struct{}
}

// Config collects Mirror's dependencies; fields left zero disable the
// corresponding behavior (no remoteURL disables the mirror entirely, no
// encKey uploads the store file as plaintext).
type Config struct {
	StorePath        string
	RemoteURL        string
	Token            string
	EncryptionKeyRaw string
	SyncInterval     time.Duration
	HTTPClient       *http.Client
}

// New constructs a Mirror. When cfg.RemoteURL is empty, the returned
// Mirror's methods are all no-ops so callers don't need to branch on
// whether mirroring is configured.
func New(cfg Config) (*Mirror, error) {
	m := &Mirror{
		storePath: cfg.StorePath,
		remoteURL: cfg.RemoteURL,
		token:     cfg.Token,
		syncEvery: cfg.SyncInterval,
		client:    cfg.HTTPClient,
		stop:      make(chan struct{}),
	}
	if m.client == nil {
		m.client = client.NewMirrorHTTPClient()
	}
	if m.syncEvery <= 0 {
		m.syncEvery = 5 * time.Minute
	}

	if cfg.EncryptionKeyRaw != "" {
		key, err := crypto.DeriveKey(cfg.EncryptionKeyRaw)
		if err != nil {
			return nil, errors.Wrap(err, "derive mirror encryption key")
		}
		m.encKey = key
	}

	return m, nil
}

// Enabled reports whether a remote target is configured.
func (m *Mirror) Enabled() bool {
	return m.remoteURL != ""
}

// NotifyMutation marks the store dirty and, if no upload is already
// scheduled, schedules one T_sync from now. Subsequent calls while one is
// pending do NOT restart the timer (§4.B): the already-scheduled run
// picks up whatever is dirty when it fires.
func (m *Mirror) NotifyMutation() {
	if !m.Enabled() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirty = true
	if m.timerScheduled {
		return
	}
	m.timerScheduled = true

	time.AfterFunc(m.syncEvery, m.fire)
}

func (m *Mirror) fire() {
	m.mu.Lock()
	wasDirty := m.dirty
	synced := m.initialSynced
	m.mu.Unlock()

	if !wasDirty {
		return
	}

	if !synced {
		// Bootstrap hasn't marked the initial sync complete yet (still in
		// flight, or its download failed); uploading now could stomp a
		// revision we haven't seen. Leave dirty set and retry on the same
		// cadence instead of racing ahead of Bootstrap.
		time.AfterFunc(m.syncEvery, m.fire)
		return
	}

	m.mu.Lock()
	m.dirty = false
	m.timerScheduled = false
	m.mu.Unlock()

	if err := m.upload(context.Background()); err != nil {
		logger.Logger.Warn("remote mirror upload failed", zap.Error(err))
	}
}

// Bootstrap runs once at startup before the gateway accepts traffic: it
// attempts to download the remote store file and, if present, decrypts
// and installs it as the local store file before the Store opens it.
// A 404 (first deployment) marks initial sync complete so future uploads
// proceed without waiting on a prior revision.
func (m *Mirror) Bootstrap(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.remoteURL, nil)
	if err != nil {
		return errors.Wrap(err, "build mirror download request")
	}
	m.applyAuth(req)

	resp, err := m.client.Do(req)
	if err != nil {
		logger.Logger.Warn("remote mirror bootstrap download failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		m.mu.Lock()
		m.initialSynced = true
		m.mu.Unlock()
		logger.Logger.Info("remote mirror has no prior revision; treating as first deployment")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		logger.Logger.Warn("remote mirror bootstrap download returned non-OK status",
			zap.Int("status", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Logger.Warn("remote mirror bootstrap read failed", zap.Error(err))
		return nil
	}

	plain, err := m.decodeDownload(body)
	if err != nil {
		logger.Logger.Warn("remote mirror bootstrap decode failed", zap.Error(err))
		return nil
	}

	if err := os.WriteFile(m.storePath, plain, 0o600); err != nil {
		logger.Logger.Warn("remote mirror bootstrap install failed", zap.Error(err))
		return nil
	}

	m.mu.Lock()
	m.initialSynced = true
	m.revision = resp.Header.Get("ETag")
	m.mu.Unlock()
	logger.Logger.Info("installed store file from remote mirror")
	return nil
}

// decodeDownload applies the encrypted-vs-plaintext heuristic from §4.B:
// compare the first bytes against the sqlite magic header.
func (m *Mirror) decodeDownload(body []byte) ([]byte, error) {
	if bytes.HasPrefix(body, []byte(sqliteMagic)) {
		return body, nil
	}
	if m.encKey == nil {
		return nil, errors.New("downloaded store file is not plaintext sqlite and no encryption key is configured")
	}
	return crypto.Decrypt(body, m.encKey)
}

func (m *Mirror) upload(ctx context.Context) error {
	raw, err := os.ReadFile(m.storePath)
	if err != nil {
		return errors.Wrap(err, "read store file for mirror upload")
	}

	payload := raw
	if m.encKey != nil {
		payload, err = crypto.Encrypt(raw, m.encKey)
		if err != nil {
			return errors.Wrap(err, "encrypt store file for mirror upload")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, m.remoteURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build mirror upload request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	m.applyAuth(req)

	m.mu.Lock()
	revision := m.revision
	m.mu.Unlock()
	if revision != "" {
		// Conditional update (§4.B "including prior revision for
		// conditional update"): the remote can reject this with 412 if
		// another writer has since uploaded a newer revision.
		req.Header.Set("If-Match", revision)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send mirror upload request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("mirror upload returned status %d", resp.StatusCode)
	}

	m.mu.Lock()
	if etag := resp.Header.Get("ETag"); etag != "" {
		m.revision = etag
	}
	m.mu.Unlock()

	logger.Logger.Info("remote mirror upload complete", zap.Int("bytes", len(payload)))
	return nil
}

func (m *Mirror) applyAuth(req *http.Request) {
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}
