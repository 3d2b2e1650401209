package pebblestore

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/runnel/internal/errs"
)

// Txn is the view handed to a Script. Reads observe committed state plus the
// script's own buffered writes; all writes commit together or not at all.
type Txn struct {
	db *DB
	b  *pebble.Batch
}

// Get returns a copy of the value for key or pebble.ErrNotFound.
func (t *Txn) Get(key []byte) ([]byte, error) {
	val, closer, err := t.b.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, pebble.ErrNotFound
		}
		return nil, errs.Store("txn get", err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Has reports whether key exists.
func (t *Txn) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *Txn) Set(key, value []byte) error {
	return errs.Store("txn set", t.b.Set(key, value, nil))
}

func (t *Txn) Delete(key []byte) error {
	return errs.Store("txn delete", t.b.Delete(key, nil))
}

// NewIter iterates the merged view of committed data and buffered writes.
func (t *Txn) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	it, err := t.b.NewIter(opts)
	if err != nil {
		return nil, errs.Store("txn iter", err)
	}
	return it, nil
}

// Script runs fn under the store's script lock and commits its writes as one
// batch. This is the compare-and-set primitive: nothing else mutates through
// Script while fn runs, so a read-check-write inside fn cannot interleave
// with another script. An error from fn discards every buffered write.
func (db *DB) Script(ctx context.Context, op string, fn func(*Txn) error) error {
	if err := db.Healthy(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	db.scriptMu.Lock()
	defer db.scriptMu.Unlock()
	if db.closed.Load() {
		return errs.Store(op, pebble.ErrClosed)
	}

	b := db.inner.NewIndexedBatch()
	defer b.Close()
	if err := fn(&Txn{db: db, b: b}); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	start := time.Now()
	numOps := int(b.Count())
	size := b.Len()
	syncMode := pebble.NoSync
	if db.writeSync {
		syncMode = pebble.Sync
	}
	err := b.Commit(syncMode)
	db.metrics.ObserveBatchCommit(time.Since(start), numOps, size)
	return errs.Store(op, err)
}
