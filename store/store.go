// Package store implements component A: a single-file embedded relational
// store with transactional single-writer semantics. Every other component
// reads and writes through a *Store; nothing outside this package opens
// the database file directly.
//
// Grounded on model/main.go's gorm+sqlite bootstrap in the teacher repo,
// generalized from a multi-backend (sqlite/mysql/postgres) chooser down to
// sqlite-only: §1 explicitly scopes out horizontal clustering, which is
// the only reason the teacher supports a shared external database.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/laiskygw/geminigw/common/logger"
)

// Store wraps a *gorm.DB for the embedded database file and serializes
// writes in-process (sqlite itself only allows one writer at a time; the
// mutex keeps concurrent goroutines from tripping over SQLITE_BUSY).
type Store struct {
	db   *gorm.DB
	path string

	mu sync.Mutex

	mutateMu   sync.Mutex
	onMutation func()
}

// Open creates (if needed) and opens the store file at path, then ensures
// the schema exists.
func Open(path string) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("%s?_busy_timeout=5000", path)), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open store at %s", path)
	}

	s := &Store{db: gdb, path: path}

	if err := s.migrate(); err != nil {
		return nil, err
	}
	s.registerMutationCallbacks()

	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&UpstreamKey{},
		&WorkerKey{},
		&ModelConfigRow{},
		&Setting{},
	); err != nil {
		return errors.Wrap(err, "migrate schema")
	}
	logger.Logger.Info("store schema migrated", zap.String("path", s.path))
	return nil
}

// registerMutationCallbacks wires gorm's After{Create,Update,Delete} hooks
// to the mirror's dirty flag so every committed write schedules a remote
// mirror sync without registry/catalog code having to remember to call it
// (§4.A "Emits a mutated signal to B after every committed write").
func (s *Store) registerMutationCallbacks() {
	notify := func(*gorm.DB) { s.notifyMutation() }
	_ = s.db.Callback().Create().After("gorm:create").Register("mirror:notify_create", notify)
	_ = s.db.Callback().Update().After("gorm:update").Register("mirror:notify_update", notify)
	_ = s.db.Callback().Delete().After("gorm:delete").Register("mirror:notify_delete", notify)
	_ = s.db.Callback().Raw().After("gorm:raw").Register("mirror:notify_raw", notify)
}

// OnMutation registers the callback invoked after every committed write.
// Only one callback is supported; the Remote Mirror is the sole subscriber.
func (s *Store) OnMutation(fn func()) {
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()
	s.onMutation = fn
}

func (s *Store) notifyMutation() {
	s.mutateMu.Lock()
	fn := s.onMutation
	s.mutateMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Path returns the filesystem path of the store file, used by the Remote
// Mirror to read the current bytes to upload.
func (s *Store) Path() string { return s.path }

// DB returns the underlying *gorm.DB. Domain packages (registry, catalog,
// selector) use this directly for typed queries; it is exported rather
// than wrapped 1:1 because gorm's query builder is already the idiomatic
// "run/get/all" surface §4.A describes.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn inside a single database transaction, committing if fn
// returns nil and rolling back otherwise. All multi-statement mutations
// (e.g. registry's read-modify-write of a key's counters) must go through
// this so they are atomic; nested transactions are not supported (§4.A).
// The selector's cursor advance and the later usage increment are two
// separate WithTx calls, not one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		return errors.Wrap(err, "store transaction")
	}
	s.notifyMutation()
	return nil
}

// Close flushes and closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get underlying sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "close store")
	}
	return nil
}
