package eventlog

import (
	"encoding/binary"
	"errors"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

// CommitCursorTx stores the last acked seq for a group/partition inside a
// script. A seq at or below the stored one is ignored so the cursor never
// regresses. It reports whether the cursor moved.
func (l *Log) CommitCursorTx(tx *pebblestore.Txn, group string, seq uint64) (bool, error) {
	key := KeyCursor(l.stream, group, l.part)
	prev, err := readSeqTx(tx, key)
	if err != nil {
		return false, err
	}
	if seq <= prev {
		return false, nil
	}
	return true, tx.Set(key, be8(seq))
}

// CursorTx loads the acked cursor, 0 when none was committed.
func (l *Log) CursorTx(tx *pebblestore.Txn, group string) (uint64, error) {
	return readSeqTx(tx, KeyCursor(l.stream, group, l.part))
}

// GetCursor loads the current cursor token for a group/partition outside any script.
func (l *Log) GetCursor(group string) (Token, bool) {
	cur, err := l.db.Get(KeyCursor(l.stream, group, l.part))
	if err != nil || len(cur) < 8 {
		return Token{}, false
	}
	var t Token
	copy(t[:], cur[:8])
	return t, true
}

// LastDeliveredTx returns the highest seq handed out by a fetch for group.
// It starts at the acked cursor when nothing was fetched yet.
func (l *Log) LastDeliveredTx(tx *pebblestore.Txn, group string) (uint64, error) {
	ld, err := readSeqTx(tx, KeyCursorLastDelivered(l.stream, group, l.part))
	if err != nil {
		return 0, err
	}
	cur, err := l.CursorTx(tx, group)
	if err != nil {
		return 0, err
	}
	return max(ld, cur), nil
}

// SetLastDeliveredTx records seq as fetched. Lower values are ignored.
func (l *Log) SetLastDeliveredTx(tx *pebblestore.Txn, group string, seq uint64) error {
	key := KeyCursorLastDelivered(l.stream, group, l.part)
	prev, err := readSeqTx(tx, key)
	if err != nil {
		return err
	}
	if seq <= prev {
		return nil
	}
	return tx.Set(key, be8(seq))
}

func readSeqTx(tx *pebblestore.Txn, key []byte) (uint64, error) {
	v, err := tx.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v[:8]), nil
}

func be8(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
