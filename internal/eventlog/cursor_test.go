package eventlog

import (
	"context"
	"testing"

	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

func commit(t *testing.T, db *pebblestore.DB, l *Log, group string, seq uint64) bool {
	t.Helper()
	var moved bool
	err := db.Script(context.Background(), "commit", func(tx *pebblestore.Txn) error {
		var err error
		moved, err = l.CommitCursorTx(tx, group, seq)
		return err
	})
	if err != nil {
		t.Fatalf("commit %d: %v", seq, err)
	}
	return moved
}

func TestCommitCursorNeverRegresses(t *testing.T) {
	l, db, seqs := seedLog(t, 2)

	if !commit(t, db, l, "g1", seqs[0]) {
		t.Fatalf("first commit should move the cursor")
	}
	if got, ok := l.GetCursor("g1"); !ok || got.Seq() != seqs[0] {
		t.Fatalf("cursor mismatch")
	}
	if commit(t, db, l, "g1", seqs[0]) || commit(t, db, l, "g1", seqs[0]-1) {
		t.Fatalf("same or lower commit must be a no-op")
	}
	if got, _ := l.GetCursor("g1"); got.Seq() != seqs[0] {
		t.Fatalf("cursor regressed")
	}
	commit(t, db, l, "g1", seqs[1])
	if got, _ := l.GetCursor("g1"); got.Seq() != seqs[1] {
		t.Fatalf("did not advance")
	}
	if _, ok := l.GetCursor("g2"); ok {
		t.Fatalf("groups must not share cursors")
	}
}

func TestLastDeliveredTracksFetches(t *testing.T) {
	l, db, _ := seedLog(t, 5)
	ctx := context.Background()
	commit(t, db, l, "g", 2)

	err := db.Script(ctx, "ld", func(tx *pebblestore.Txn) error {
		ld, err := l.LastDeliveredTx(tx, "g")
		if err != nil {
			return err
		}
		if ld != 2 {
			t.Fatalf("last delivered should start at cursor, got %d", ld)
		}
		if err := l.SetLastDeliveredTx(tx, "g", 4); err != nil {
			return err
		}
		if err := l.SetLastDeliveredTx(tx, "g", 3); err != nil {
			return err
		}
		ld, err = l.LastDeliveredTx(tx, "g")
		if err != nil {
			return err
		}
		if ld != 4 {
			t.Fatalf("last delivered %d want 4", ld)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("script: %v", err)
	}
}

func TestCursorPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	l, err := OpenLog(db, "orders", 1)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	seqs, err := l.Append(context.Background(), []AppendRecord{{Payload: []byte("a")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	commit(t, db, l, "g1", seqs[0])
	_ = db.Close()

	db2 := openTestDB(t, dir)
	defer db2.Close()
	l2, err := OpenLog(db2, "orders", 1)
	if err != nil {
		t.Fatalf("open log2: %v", err)
	}
	if got, ok := l2.GetCursor("g1"); !ok || got.Seq() != seqs[0] {
		t.Fatalf("cursor not persisted")
	}
}
