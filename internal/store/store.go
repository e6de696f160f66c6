// Package store implements the session engine: per-key sessions over
// the record store with distributed locking, schema-validated updates,
// data migrations, transparent large-value sharding, multi-key
// transactions, and background cleanup of orphaned shards.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/meshstore/meshstore/internal/backend"
	"github.com/meshstore/meshstore/internal/dynval"
	"github.com/meshstore/meshstore/internal/lock"
	"github.com/meshstore/meshstore/internal/migrate"
	"github.com/meshstore/meshstore/internal/retry"
	"github.com/meshstore/meshstore/internal/shard"
)

// Config configures a Store.
type Config struct {
	Name    string
	Backend backend.Backend
	Locks   backend.LockService

	// Template is the initial data for keys with no record and no
	// legacy data.
	Template map[string]any

	// Schema validates data before any commit. A nil Schema accepts
	// everything.
	Schema func(v dynval.Value) (ok bool, reason string)

	// MigrationSteps are applied in order on load; see package migrate.
	MigrationSteps []migrate.Step

	// ImportLegacyData, when set, seeds data for keys that have no
	// record. Its output still passes schema validation and migrations.
	ImportLegacyData func(key string) (dynval.Value, bool)

	// ChangedCallbacks fire once per key whose stored data actually
	// changed value after a successful update, transaction, or load.
	ChangedCallbacks []func(key string, newData, oldData dynval.Value)

	// OnLockLost is invoked when a session's lease is lost; the session
	// is already discarded when it fires.
	OnLockLost func(key string)

	MaxShardSize     int           // shard threshold (default: backend ceiling)
	LockTTL          time.Duration // lease duration (default: 60s)
	AutoSaveInterval time.Duration // periodic save of dirty sessions (default: 30s; <0 disables)
	OrphanRetryDelay time.Duration // pacing of orphan cleanup retries (default: 5s)

	Retry  retry.Config
	Clock  clock.Clock // defaults to the real clock
	Logger zerolog.Logger
}

// Store is the public surface of the session engine.
type Store struct {
	name         string
	be           backend.Backend
	pol          *retry.Policy
	codec        *shard.Codec
	locks        *lock.Manager
	template     map[string]any
	schema       func(dynval.Value) (bool, string)
	steps        []migrate.Step
	importLegacy func(string) (dynval.Value, bool)
	changed      []func(string, dynval.Value, dynval.Value)
	onLockLost   func(string)
	clk          clock.Clock
	logger       zerolog.Logger
	orphans      *orphanQueue

	mu       sync.Mutex
	sessions map[string]*session
	loading  map[string]struct{}
	closed   bool

	stopc chan struct{}
	wg    sync.WaitGroup

	// Test hooks simulating a crash mid-transaction. When one returns
	// an error the coordinator stops dead: no cleanup, no further
	// writes, mirroring a process death at that point.
	txHookAfterPrepare func() error
	txHookAfterMarker  func() error
}

// session is the in-memory state of one loaded key. Its mutex
// serializes every mutation, save, and transaction touching the key,
// which is what makes a concurrent update's effects observable only
// after an in-flight transaction commits.
type session struct {
	key    string
	tags   map[string]string
	mu     sync.Mutex
	data   dynval.Value
	rec    Record
	lease  *lock.Lease
	dirty  bool
	closed bool
}

// New creates a Store and starts its background workers.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("store: Backend is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("store: Locks is required")
	}
	if err := migrate.Validate(cfg.MigrationSteps); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AutoSaveInterval == 0 {
		cfg.AutoSaveInterval = 30 * time.Second
	}
	if cfg.OrphanRetryDelay == 0 {
		cfg.OrphanRetryDelay = 5 * time.Second
	}
	if cfg.Template == nil {
		cfg.Template = map[string]any{}
	}
	tmpl, err := dynval.Normalize(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("store: invalid template: %w", err)
	}

	retryCfg := cfg.Retry
	if retryCfg.Clock == nil {
		retryCfg.Clock = cfg.Clock
	}
	pol := retry.New(retryCfg)

	logger := cfg.Logger.With().Str("store", cfg.Name).Logger()

	s := &Store{
		name:         cfg.Name,
		be:           cfg.Backend,
		pol:          pol,
		template:     tmpl.(map[string]any),
		schema:       cfg.Schema,
		steps:        cfg.MigrationSteps,
		importLegacy: cfg.ImportLegacyData,
		changed:      cfg.ChangedCallbacks,
		onLockLost:   cfg.OnLockLost,
		clk:          cfg.Clock,
		logger:       logger,
		sessions:     map[string]*session{},
		loading:      map[string]struct{}{},
		stopc:        make(chan struct{}),
	}
	s.codec = shard.New(shard.Config{
		Shards:       cfg.Backend.Shards(),
		Retry:        pol,
		MaxShardSize: cfg.MaxShardSize,
		Logger:       logger,
	})
	s.locks = lock.New(lock.Config{
		Service: cfg.Locks,
		Retry:   pol,
		TTL:     cfg.LockTTL,
		Clock:   cfg.Clock,
		Logger:  logger,
	})
	s.orphans = newOrphanQueue(cfg.Backend.Shards(), pol, cfg.Clock, cfg.OrphanRetryDelay, logger, s.orphanCleared)

	if cfg.AutoSaveInterval > 0 {
		s.wg.Add(1)
		go s.autoSaveLoop(cfg.AutoSaveInterval)
	}
	return s, nil
}

// Load establishes a session for key: acquires the lock, reads the
// record (creating one from the template or the legacy importer if
// absent), resolves any interrupted transaction, applies migrations,
// and decodes the payload. It fails with *LoadInProgressError while a
// load or live session for key exists.
func (s *Store) Load(ctx context.Context, key string, tags map[string]string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if _, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return &LoadInProgressError{Key: key}
	}
	if _, ok := s.loading[key]; ok {
		s.mu.Unlock()
		return &LoadInProgressError{Key: key}
	}
	s.loading[key] = struct{}{}
	s.mu.Unlock()

	sess, err := s.doLoad(ctx, key, tags)

	s.mu.Lock()
	delete(s.loading, key)
	if err == nil {
		if s.closed {
			err = ErrStoreClosed
		} else {
			s.sessions[key] = sess
		}
	}
	s.mu.Unlock()

	if err != nil && sess != nil {
		_ = sess.lease.Release(ctx)
		return err
	}
	if err != nil {
		return err
	}

	s.logger.Debug().Str("key", key).Msg("session loaded")
	s.orphans.MarkAll(key, sess.rec.OrphanedFiles)
	return nil
}

func (s *Store) doLoad(ctx context.Context, key string, tags map[string]string) (*session, error) {
	lease, err := s.locks.Acquire(ctx, key, s.handleLockLost)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %q: %w", key, err)
	}
	sess := &session{key: key, tags: tags, lease: lease}

	rec, found, err := readRecord(ctx, s.be.Records(), s.pol, key)
	if err != nil {
		return sess, err
	}

	var (
		data     dynval.Value
		oldData  dynval.Value // pre-load stored value, for changed callbacks
		persist  bool
		resolved string // id of a rolled-forward transaction, if any
	)
	switch {
	case found:
		data, err = s.codec.Read(ctx, rec.File)
		if err != nil {
			return sess, fmt.Errorf("read %q: %w", key, err)
		}
		oldData = data
		if rec.TxID != "" {
			committed, cerr := s.txCommitted(ctx, rec.TxID)
			if cerr != nil {
				return sess, cerr
			}
			if committed {
				data, err = applyPatch(data, rec.TxPatch)
				if err != nil {
					return sess, fmt.Errorf("resolve transaction %s for %q: %w", rec.TxID, key, err)
				}
				resolved = rec.TxID
			}
			rec.TxID, rec.TxPatch = "", nil
			persist = true
		}
	default:
		if s.importLegacy != nil {
			if v, ok := s.importLegacy(key); ok {
				data, err = dynval.Normalize(v)
				if err != nil {
					return sess, fmt.Errorf("legacy data for %q: %w", key, err)
				}
			}
		}
		if data == nil {
			data = dynval.Clone(s.template)
		}
		persist = true
	}

	before := len(rec.AppliedMigrations)
	data, rec.AppliedMigrations, err = migrate.Run(data, rec.AppliedMigrations, s.steps, s.logger.With().Str("key", key).Logger())
	if err != nil {
		return sess, err
	}
	if len(rec.AppliedMigrations) != before {
		persist = true
	}

	if err := s.validate(key, data); err != nil {
		return sess, err
	}

	if persist {
		if werr := s.writeDataRecord(ctx, key, data, &rec, tags); werr != nil {
			return sess, werr
		}
	}
	if resolved != "" {
		s.maybeClearMarker(ctx, resolved, key)
	}

	sess.data = data
	sess.rec = rec
	if found && persist && !dynval.Equal(oldData, data) {
		s.fireChanged(key, data, oldData)
	}
	return sess, nil
}

// noteShardFailure records a partial shard write so its shards are
// cleaned up, then returns the original error.
func (s *Store) noteShardFailure(key string, rec *Record, err error) error {
	var we *shard.WriteError
	if errors.As(err, &we) && !we.File.Inline() {
		if !containsFile(rec.OrphanedFiles, we.File) {
			rec.OrphanedFiles = append(rec.OrphanedFiles, we.File)
		}
		s.orphans.Mark(key, we.File)
	}
	return err
}

func (s *Store) validate(key string, data dynval.Value) error {
	if s.schema == nil {
		return nil
	}
	if ok, reason := s.schema(data); !ok {
		return &SchemaError{Key: key, Reason: reason}
	}
	return nil
}

// fireChanged invokes the changed callbacks with private copies; after
// a reconciled update the old value shares subtrees with the live
// session data, so neither argument may alias it.
func (s *Store) fireChanged(key string, newData, oldData dynval.Value) {
	if len(s.changed) == 0 {
		return
	}
	newCopy := dynval.Clone(newData)
	oldCopy := dynval.Clone(oldData)
	for _, cb := range s.changed {
		cb(key, newCopy, oldCopy)
	}
}

// changeEvent is a changed-callback invocation queued until the
// relevant session mutexes are released.
type changeEvent struct {
	key     string
	newData dynval.Value
	oldData dynval.Value
}

// flushEvents fires the queued changed callbacks. Deferred before the
// session mutexes are taken so it runs after their deferred unlocks,
// letting callbacks re-enter the store without deadlocking.
func (s *Store) flushEvents(events *[]changeEvent) {
	for _, ev := range *events {
		s.fireChanged(ev.key, ev.newData, ev.oldData)
	}
}

// handleLockLost fatally closes the affected session. The pending state
// is discarded: with the lease gone this process must not write.
func (s *Store) handleLockLost(key string) {
	s.mu.Lock()
	sess := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()
	s.logger.Warn().Str("key", key).Msg("lock lost, session discarded")
	if s.onLockLost != nil {
		s.onLockLost(key)
	}
}

// lookup returns the live session for key.
func (s *Store) lookup(key string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	sess, ok := s.sessions[key]
	if !ok {
		return nil, &KeyNotLoadedError{Key: key}
	}
	return sess, nil
}

// Get returns a copy of the session's current data.
func (s *Store) Get(key string) (dynval.Value, error) {
	sess, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, &KeyNotLoadedError{Key: key}
	}
	return dynval.Clone(sess.data), nil
}

// Update hands fn a mutable copy of the session's data. Changes are
// committed if fn returns true and the result passes schema
// validation; on false or validation failure the data is unchanged.
func (s *Store) Update(key string, fn func(data dynval.Value) bool) (bool, error) {
	sess, err := s.lookup(key)
	if err != nil {
		return false, err
	}
	var events []changeEvent
	defer s.flushEvents(&events)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false, &KeyNotLoadedError{Key: key}
	}

	work := dynval.Clone(sess.data)
	if !fn(work) {
		return false, nil
	}
	normalized, err := dynval.Normalize(work)
	if err != nil {
		return false, &SchemaError{Key: key, Reason: err.Error()}
	}
	if err := s.validate(key, normalized); err != nil {
		return false, err
	}
	s.commitLocked(sess, normalized, &events)
	return true, nil
}

// UpdateImmutable hands fn a snapshot and requires a brand-new value
// back (or false to abort). The result is reconciled against the old
// data with structural sharing before validation and commit.
func (s *Store) UpdateImmutable(key string, fn func(snapshot dynval.Value) (dynval.Value, bool)) (bool, error) {
	sess, err := s.lookup(key)
	if err != nil {
		return false, err
	}
	var events []changeEvent
	defer s.flushEvents(&events)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false, &KeyNotLoadedError{Key: key}
	}

	updated, ok := fn(dynval.Clone(sess.data))
	if !ok {
		return false, nil
	}
	normalized, err := dynval.Normalize(updated)
	if err != nil {
		return false, &SchemaError{Key: key, Reason: err.Error()}
	}
	reconciled := dynval.Reconcile(sess.data, normalized)
	if err := s.validate(key, reconciled); err != nil {
		return false, err
	}
	s.commitLocked(sess, reconciled, &events)
	return true, nil
}

// commitLocked installs newData as the session's data, queueing a
// changed event when the value actually changed. Caller holds sess.mu
// and has validated newData.
func (s *Store) commitLocked(sess *session, newData dynval.Value, events *[]changeEvent) {
	old := sess.data
	if dynval.Equal(old, newData) {
		sess.data = newData
		return
	}
	sess.data = newData
	sess.dirty = true
	*events = append(*events, changeEvent{key: sess.key, newData: newData, oldData: old})
}

// Save persists the session's data if it changed since the last save.
// A clean session resolves immediately with no backend calls.
func (s *Store) Save(ctx context.Context, key string) error {
	sess, err := s.lookup(key)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return &KeyNotLoadedError{Key: key}
	}
	if !sess.dirty {
		return nil
	}
	return s.saveLocked(ctx, sess)
}

// saveLocked encodes and writes the session's record, queueing the
// superseded file for shard cleanup. Caller holds sess.mu; holding it
// across the write is what serializes saves per key.
func (s *Store) saveLocked(ctx context.Context, sess *session) error {
	oldFile := sess.rec.File
	if err := s.writeDataRecord(ctx, sess.key, sess.data, &sess.rec, sess.tags); err != nil {
		return err
	}
	sess.dirty = false
	if !oldFile.Inline() && !oldFile.Equal(sess.rec.File) {
		s.orphans.Mark(sess.key, oldFile)
	}
	s.logger.Debug().Str("key", sess.key).Msg("session saved")
	return nil
}

// writeDataRecord encodes data and durably writes key's record pointing
// at the new file, updating rec only on success (a shard write failure
// may still append the partial file to rec's orphan list). An inline
// payload whose record envelope exceeds the backend's value ceiling is
// rewritten in sharded form; the superseded sharded file, if any, is
// appended to the record's orphan list, and queueing it is the caller's
// business.
func (s *Store) writeDataRecord(ctx context.Context, key string, data dynval.Value, rec *Record, tags map[string]string) error {
	file, err := s.codec.Write(ctx, data, tags)
	if err != nil {
		return s.noteShardFailure(key, rec, err)
	}

	next := *rec
	next.File = file
	oldFile := rec.File
	if !oldFile.Inline() && !oldFile.Equal(file) && !containsFile(next.OrphanedFiles, oldFile) {
		next.OrphanedFiles = append(append([]shard.File(nil), next.OrphanedFiles...), oldFile)
	}

	err = writeRecord(ctx, s.be.Records(), s.pol, key, next, tags)
	if err != nil && errors.Is(err, backend.ErrValueTooLarge) && file.Inline() {
		// The payload fit under the shard threshold but the record
		// envelope around it did not fit the backend's value ceiling.
		file, err = s.codec.WriteSharded(ctx, data, tags)
		if err != nil {
			return s.noteShardFailure(key, rec, err)
		}
		next.File = file
		err = writeRecord(ctx, s.be.Records(), s.pol, key, next, tags)
	}
	if err != nil {
		// The new file is unreferenced; queue its shards rather than
		// leak them.
		s.orphans.Mark(key, file)
		return err
	}
	*rec = next
	return nil
}

// Unload flushes any pending save, releases the lock, and discards the
// session. It reports whether a session existed.
func (s *Store) Unload(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.shutdownSession(ctx, sess)
}

func (s *Store) shutdownSession(ctx context.Context, sess *session) error {
	sess.mu.Lock()
	var saveErr error
	if sess.dirty && !sess.closed {
		saveErr = s.saveLocked(ctx, sess)
	}
	sess.closed = true
	sess.mu.Unlock()

	if err := sess.lease.Release(ctx); err != nil && saveErr == nil {
		saveErr = err
	}
	s.logger.Debug().Str("key", sess.key).Msg("session unloaded")
	return saveErr
}

// Close drains all sessions concurrently, stops the autosave loop, and
// waits for any orphan cleanup already executing. No Load succeeds
// afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessions = map[string]*session{}
	s.mu.Unlock()

	close(s.stopc)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, sess := range open {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			if err := s.shutdownSession(ctx, sess); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(sess)
	}
	wg.Wait()
	s.wg.Wait()
	s.orphans.Close()
	s.logger.Debug().Msg("store closed")
	return firstErr
}

// Peek reads the current value for key without establishing a session:
// no lock, no caching, nothing persisted. Interrupted transactions and
// pending migrations are resolved in memory only.
func (s *Store) Peek(ctx context.Context, key string) (dynval.Value, bool, error) {
	rec, found, err := readRecord(ctx, s.be.Records(), s.pol, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	data, err := s.codec.Read(ctx, rec.File)
	if err != nil {
		return nil, false, fmt.Errorf("read %q: %w", key, err)
	}
	if rec.TxID != "" {
		committed, cerr := s.txCommitted(ctx, rec.TxID)
		if cerr != nil {
			return nil, false, cerr
		}
		if committed {
			data, err = applyPatch(data, rec.TxPatch)
			if err != nil {
				return nil, false, fmt.Errorf("resolve transaction %s for %q: %w", rec.TxID, key, err)
			}
		}
	}
	data, _, err = migrate.Run(data, rec.AppliedMigrations, s.steps, zerolog.Nop())
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// autoSaveLoop periodically saves dirty sessions.
func (s *Store) autoSaveLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopc:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		open := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			open = append(open, sess)
		}
		s.mu.Unlock()

		for _, sess := range open {
			sess.mu.Lock()
			if sess.dirty && !sess.closed {
				if err := s.saveLocked(context.Background(), sess); err != nil {
					s.logger.Warn().Err(err).Str("key", sess.key).Msg("autosave failed")
				}
			}
			sess.mu.Unlock()
		}
	}
}

// orphanCleared removes a fully cleaned file from its record's
// orphanedFiles list so restarts stop re-queueing it.
func (s *Store) orphanCleared(key string, f shard.File) {
	s.mu.Lock()
	sess := s.sessions[key]
	s.mu.Unlock()
	if sess != nil {
		sess.mu.Lock()
		if containsFile(sess.rec.OrphanedFiles, f) {
			sess.rec.OrphanedFiles = withoutFile(sess.rec.OrphanedFiles, f)
			if err := writeRecord(context.Background(), s.be.Records(), s.pol, key, sess.rec, sess.tags); err != nil {
				s.logger.Debug().Err(err).Str("key", key).Msg("orphan bookkeeping write failed")
			}
		}
		sess.mu.Unlock()
		return
	}

	// Session already gone: clear the list directly. Best effort; a
	// stale entry only costs a no-op cleanup pass on the next load.
	ctx := context.Background()
	rec, found, err := readRecord(ctx, s.be.Records(), s.pol, key)
	if err != nil || !found || !containsFile(rec.OrphanedFiles, f) {
		return
	}
	rec.OrphanedFiles = withoutFile(rec.OrphanedFiles, f)
	if err := writeRecord(ctx, s.be.Records(), s.pol, key, rec, nil); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("orphan bookkeeping write failed")
	}
}

// txCommitted reports whether the marker for txID exists, i.e. whether
// the transaction reached its commit point.
func (s *Store) txCommitted(ctx context.Context, txID string) (bool, error) {
	var found bool
	err := s.pol.Do(ctx, func() error {
		var err error
		_, found, err = s.be.Transactions().Get(ctx, txID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check transaction %s: %w", txID, err)
	}
	return found, nil
}
