package eventlog

import (
	"encoding/binary"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/runnel/internal/errs"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

// Token encodes the starting position as seq (8 bytes big-endian).
type Token [8]byte

func TokenFromSeq(seq uint64) Token { var t Token; binary.BigEndian.PutUint64(t[:], seq); return t }
func (t Token) Seq() uint64         { return binary.BigEndian.Uint64(t[:]) }

type ReadOptions struct {
	Start   Token // if zero, begin from the first (or last, when Reverse) entry
	Limit   int
	Reverse bool
}

type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

// Read returns up to Limit items starting at Start (inclusive) and the token
// of the next unread entry (zero when exhausted). Reverse scans descending.
// Entries that fail their checksum are skipped.
func (l *Log) Read(opts ReadOptions) ([]Item, Token, error) {
	low, hi := entryBounds(l.stream, l.part)
	items := make([]Item, 0, max(1, opts.Limit))
	var next Token

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return items, next, err
	}
	defer iter.Close()

	startSeq := opts.Start.Seq()
	startKey := KeyLogEntry(l.stream, l.part, startSeq)
	var ok bool
	step := iter.Next
	switch {
	case opts.Reverse && startSeq == 0:
		ok = iter.Last()
		step = iter.Prev
	case opts.Reverse:
		ok = iter.SeekLT(append(startKey, 0x00))
		step = iter.Prev
	case startSeq == 0:
		ok = iter.First()
	default:
		ok = iter.SeekGE(startKey)
	}
	for ; ok && (opts.Limit == 0 || len(items) < opts.Limit); ok = step() {
		if dec, good := DecodeRecord(iter.Value()); good {
			items = append(items, Item{Seq: seqFromEntryKey(iter.Key()), Header: dec.Header, Payload: dec.Payload})
		}
	}
	if ok {
		next = TokenFromSeq(seqFromEntryKey(iter.Key()))
	}
	return items, next, errs.Store("read", iter.Error())
}

// ReadAfterTx reads up to limit entries with seq > after through a script
// transaction, so the read is ordered with the script's other effects.
func (l *Log) ReadAfterTx(tx *pebblestore.Txn, after uint64, limit int) ([]Item, error) {
	low, hi := entryBounds(l.stream, l.part)
	iter, err := tx.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var items []Item
	for ok := iter.SeekGE(KeyLogEntry(l.stream, l.part, after+1)); ok && (limit <= 0 || len(items) < limit); ok = iter.Next() {
		if dec, good := DecodeRecord(iter.Value()); good {
			items = append(items, Item{Seq: seqFromEntryKey(iter.Key()), Header: dec.Header, Payload: dec.Payload})
		}
	}
	return items, errs.Store("read", iter.Error())
}

// GetTx loads one entry. A trimmed or corrupt entry returns ErrNotFound.
func (l *Log) GetTx(tx *pebblestore.Txn, seq uint64) (Item, error) {
	v, err := tx.Get(KeyLogEntry(l.stream, l.part, seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	dec, ok := DecodeRecord(v)
	if !ok {
		return Item{}, ErrNotFound
	}
	return Item{Seq: seq, Header: dec.Header, Payload: dec.Payload}, nil
}
