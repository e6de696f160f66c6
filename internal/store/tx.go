package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/meshstore/meshstore/internal/dynval"
)

// Tx atomically updates several keys. fn receives a mutable state map
// (key → data copy) and returns true to commit. All keys must be
// loaded; the key set is fixed for the duration. A false return aborts
// with zero backend writes. With a single key the transaction
// degenerates to a plain Update: no marker record, no cross-key
// coordination.
func (s *Store) Tx(ctx context.Context, keys []string, fn func(state map[string]dynval.Value) bool) (bool, error) {
	return s.runTx(ctx, keys, func(view map[string]dynval.Value) (map[string]dynval.Value, bool, error) {
		if !fn(view) {
			return nil, false, nil
		}
		if err := checkKeySet(view, keys); err != nil {
			return nil, false, err
		}
		return view, true, nil
	})
}

// TxImmutable is Tx with copy-on-write semantics: fn receives a
// snapshot map and must return a brand-new state map (or false to
// abort). Each key's result is reconciled against its old data with
// structural sharing.
func (s *Store) TxImmutable(ctx context.Context, keys []string, fn func(state map[string]dynval.Value) (map[string]dynval.Value, bool)) (bool, error) {
	return s.runTx(ctx, keys, func(view map[string]dynval.Value) (map[string]dynval.Value, bool, error) {
		result, ok := fn(view)
		if !ok {
			return nil, false, nil
		}
		if err := checkKeySet(result, keys); err != nil {
			return nil, false, err
		}
		for k, v := range result {
			normalized, err := dynval.Normalize(v)
			if err != nil {
				return nil, false, &SchemaError{Key: k, Reason: err.Error()}
			}
			result[k] = normalized
		}
		return result, true, nil
	})
}

func checkKeySet(state map[string]dynval.Value, keys []string) error {
	expected := dedupeSorted(keys)
	if len(state) != len(expected) {
		return ErrKeysChanged
	}
	for _, k := range expected {
		if _, ok := state[k]; !ok {
			return ErrKeysChanged
		}
	}
	return nil
}

// runTx drives the transaction protocol. transform returns the
// post-transform state map, whether to commit, and any transform-level
// error.
func (s *Store) runTx(ctx context.Context, keys []string, transform func(map[string]dynval.Value) (map[string]dynval.Value, bool, error)) (bool, error) {
	order := dedupeSorted(keys)
	if len(order) == 0 {
		return false, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrStoreClosed
	}
	sessions := make([]*session, 0, len(order))
	for _, k := range order {
		sess, ok := s.sessions[k]
		if !ok {
			s.mu.Unlock()
			return false, &KeyNotLoadedError{Key: k}
		}
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	// Changed callbacks run only after every participant's mutex is
	// released again, so they may re-enter the store.
	var events []changeEvent
	defer s.flushEvents(&events)

	// Lock every session in sorted-key order for the whole protocol;
	// this is what serializes a concurrent single-key update behind the
	// commit.
	for _, sess := range sessions {
		sess.mu.Lock()
	}
	defer func() {
		for i := len(sessions) - 1; i >= 0; i-- {
			sessions[i].mu.Unlock()
		}
	}()
	for _, sess := range sessions {
		if sess.closed {
			return false, &KeyNotLoadedError{Key: sess.key}
		}
	}

	view := make(map[string]dynval.Value, len(order))
	for _, sess := range sessions {
		view[sess.key] = dynval.Clone(sess.data)
	}

	result, ok, err := transform(view)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// Validate everything before any write; one bad key aborts the
	// whole transaction.
	newData := make(map[string]dynval.Value, len(order))
	patches := make(map[string][]Operation, len(order))
	var changed []*session
	for _, sess := range sessions {
		normalized, err := dynval.Normalize(result[sess.key])
		if err != nil {
			return false, &SchemaError{Key: sess.key, Reason: err.Error()}
		}
		next := dynval.Reconcile(sess.data, normalized)
		if err := s.validate(sess.key, next); err != nil {
			return false, err
		}
		newData[sess.key] = next
		ops := diffValues(sess.data, next)
		patches[sess.key] = ops
		if len(ops) > 0 {
			changed = append(changed, sess)
		}
	}

	if len(changed) == 0 {
		return true, nil
	}

	// A single-entry key list degenerates to a plain update: in-memory
	// commit, saved by the usual save paths.
	if len(order) == 1 {
		sess := changed[0]
		s.commitSessionLocked(sess, newData[sess.key], &events)
		return true, nil
	}

	// One changed key needs no cross-key coordination either: the
	// record write is already atomic.
	if len(changed) == 1 {
		sess := changed[0]
		if err := s.commitRecordLocked(ctx, sess, newData[sess.key], &events); err != nil {
			return false, err
		}
		return true, nil
	}

	return s.commitMultiLocked(ctx, changed, newData, patches, &events)
}

// commitSessionLocked applies newData in memory and marks the session
// dirty. Caller holds sess.mu.
func (s *Store) commitSessionLocked(sess *session, newData dynval.Value, events *[]changeEvent) {
	old := sess.data
	sess.data = newData
	sess.dirty = true
	*events = append(*events, changeEvent{key: sess.key, newData: newData, oldData: old})
}

// commitRecordLocked durably writes newData for one session. Caller
// holds sess.mu.
func (s *Store) commitRecordLocked(ctx context.Context, sess *session, newData dynval.Value, events *[]changeEvent) error {
	old := sess.data
	wasDirty := sess.dirty
	sess.data = newData
	sess.dirty = true
	if err := s.saveLocked(ctx, sess); err != nil {
		sess.data = old
		sess.dirty = wasDirty
		return err
	}
	*events = append(*events, changeEvent{key: sess.key, newData: newData, oldData: old})
	return nil
}

// commitMultiLocked runs the two-phase commit: per-key prepare records
// carrying the transaction id and patch, the marker record as commit
// point, per-key apply, then marker cleanup. Caller holds every
// session's mu.
func (s *Store) commitMultiLocked(ctx context.Context, changed []*session, newData map[string]dynval.Value, patches map[string][]Operation, events *[]changeEvent) (bool, error) {
	txID := uuid.NewString()
	logger := s.logger.With().Str("tx_id", txID).Logger()

	// Phase 1: attach the pending patch to every participating record.
	// Committed data is untouched; a crash before the marker write
	// leaves these resolvable as an abort.
	prepared := make([]*session, 0, len(changed))
	for _, sess := range changed {
		raw, err := marshalOps(patches[sess.key])
		if err != nil {
			s.rollbackPrepared(ctx, prepared)
			return false, err
		}
		rec := sess.rec
		rec.TxID = txID
		rec.TxPatch = raw
		if err := writeRecord(ctx, s.be.Records(), s.pol, sess.key, rec, sess.tags); err != nil {
			s.rollbackPrepared(ctx, prepared)
			return false, fmt.Errorf("prepare %q: %w", sess.key, err)
		}
		prepared = append(prepared, sess)
	}
	if s.txHookAfterPrepare != nil {
		if err := s.txHookAfterPrepare(); err != nil {
			return false, err
		}
	}

	// Phase 2: the marker record is the commit point.
	keys := make([]string, len(changed))
	for i, sess := range changed {
		keys[i] = sess.key
	}
	markerRaw, err := json.Marshal(txMarker{TxID: txID, Keys: keys})
	if err != nil {
		s.rollbackPrepared(ctx, prepared)
		return false, fmt.Errorf("encode transaction marker: %w", err)
	}
	err = s.pol.Do(ctx, func() error {
		_, err := s.be.Transactions().Set(ctx, txID, string(markerRaw), nil)
		return err
	})
	if err != nil {
		s.rollbackPrepared(ctx, prepared)
		return false, fmt.Errorf("write transaction marker: %w", err)
	}
	if s.txHookAfterMarker != nil {
		if err := s.txHookAfterMarker(); err != nil {
			return true, err
		}
	}
	logger.Debug().Strs("keys", keys).Msg("transaction committed")

	// Phase 3: apply per key. The transaction is already committed;
	// a failing apply leaves that key's record carrying the patch,
	// which the next reader rolls forward.
	var applyErr error
	for _, sess := range changed {
		old := sess.data
		next := newData[sess.key]
		if err := s.applyTxLocked(ctx, sess, next); err != nil {
			logger.Warn().Err(err).Str("key", sess.key).Msg("transaction apply deferred to next read")
			sess.data = next
			sess.rec.TxID = ""
			sess.rec.TxPatch = nil
			sess.dirty = true
			if applyErr == nil {
				applyErr = err
			}
		}
		*events = append(*events, changeEvent{key: sess.key, newData: next, oldData: old})
	}

	// Phase 4: the marker is only needed until every record dropped
	// its patch reference.
	if applyErr == nil {
		err := s.pol.Do(ctx, func() error {
			return s.be.Transactions().Remove(ctx, txID)
		})
		if err != nil {
			logger.Debug().Err(err).Msg("transaction marker cleanup failed; resolved on a later read")
		}
	}
	return true, applyErr
}

// applyTxLocked durably writes a session's post-transaction state and
// clears its patch reference. Caller holds sess.mu.
func (s *Store) applyTxLocked(ctx context.Context, sess *session, next dynval.Value) error {
	oldFile := sess.rec.File
	sess.rec.TxID = ""
	sess.rec.TxPatch = nil
	if err := s.writeDataRecord(ctx, sess.key, next, &sess.rec, sess.tags); err != nil {
		return err
	}
	sess.data = next
	sess.dirty = false
	if !oldFile.Inline() && !oldFile.Equal(sess.rec.File) {
		s.orphans.Mark(sess.key, oldFile)
	}
	return nil
}

// rollbackPrepared rewrites the pre-transaction records of sessions
// already prepared, clearing their patch references. Best effort: a
// record left carrying the patch aborts cleanly on its next read since
// the marker was never written.
func (s *Store) rollbackPrepared(ctx context.Context, prepared []*session) {
	for _, sess := range prepared {
		if err := writeRecord(ctx, s.be.Records(), s.pol, sess.key, sess.rec, sess.tags); err != nil {
			s.logger.Debug().Err(err).Str("key", sess.key).Msg("transaction rollback write failed")
		}
	}
}

// maybeClearMarker removes the marker for txID once no participating
// key's record references it anymore. Called after a reader rolled its
// own key forward.
func (s *Store) maybeClearMarker(ctx context.Context, txID, selfKey string) {
	var (
		raw   string
		found bool
	)
	err := s.pol.Do(ctx, func() error {
		var err error
		raw, found, err = s.be.Transactions().Get(ctx, txID)
		return err
	})
	if err != nil || !found {
		return
	}
	var marker txMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		return
	}
	for _, k := range marker.Keys {
		if k == selfKey {
			continue
		}
		rec, ok, err := readRecord(ctx, s.be.Records(), s.pol, k)
		if err != nil {
			return
		}
		if ok && rec.TxID == txID {
			return // still unresolved elsewhere
		}
	}
	err = s.pol.Do(ctx, func() error {
		return s.be.Transactions().Remove(ctx, txID)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("tx_id", txID).Msg("transaction marker cleanup failed")
	}
}

func dedupeSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
