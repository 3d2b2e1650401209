// Package pebblestore wraps Pebble with an fsync policy, metrics hooks and a
// Script primitive used as the partition store's atomic compare-and-set.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// read-check-write without interleaving
//	err = db.Script(ctx, "claim", func(tx *pebblestore.Txn) error {
//	    if ok, _ := tx.Has(key); ok {
//	        return errTaken
//	    }
//	    return tx.Set(key, owner)
//	})
//
// Every failure other than pebble.ErrNotFound is reported as an
// errs.StoreError, which matches errs.ErrStoreUnavailable.
package pebblestore
