// Package catalog persists stream and processor definitions so that restarts
// and other executors agree on partition counts.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/jsoncodec"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

// StreamMeta describes a registered stream.
type StreamMeta struct {
	Name          string `json:"name"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	Partitions    int    `json:"partitions"`
	PartitionSize int    `json:"partitionSize"`
	RetentionMs   int64  `json:"retentionMs,omitempty"`
	Codec         string `json:"codec,omitempty"`
	Hasher        string `json:"hasher,omitempty"`
}

// ProcessorMeta describes a processor bound to a stream.
type ProcessorMeta struct {
	Name        string `json:"name"`
	Stream      string `json:"stream"`
	Policy      string `json:"policy"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Defaults returns opinionated defaults for new streams.
func Defaults() StreamMeta {
	return StreamMeta{
		Partitions:    16,
		PartitionSize: 100_000,
	}
}

var (
	streamMetaPrefix = []byte("meta/stream/")
	procMetaPrefix   = []byte("meta/proc/")

	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

func streamKey(name string) []byte { return append(append([]byte(nil), streamMetaPrefix...), name...) }
func procKey(name string) []byte   { return append(append([]byte(nil), procMetaPrefix...), name...) }

// ValidateName checks names that become key segments.
func ValidateName(name string) error {
	if name == "" {
		return errs.ErrNameRequired
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("catalog: invalid name %q: use letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

// EnsureStream registers m or validates it against the stored definition.
// The partition count is fixed at creation; size, retention and codec may
// change between deployments.
func EnsureStream(ctx context.Context, db *pebblestore.DB, m StreamMeta) (StreamMeta, error) {
	if err := ValidateName(m.Name); err != nil {
		return StreamMeta{}, err
	}
	if m.Partitions <= 0 {
		return StreamMeta{}, errs.ErrInvalidPartitionCount
	}
	var out StreamMeta
	err := db.Script(ctx, "catalog.ensure_stream", func(tx *pebblestore.Txn) error {
		key := streamKey(m.Name)
		b, err := tx.Get(key)
		switch {
		case err == nil:
			var cur StreamMeta
			if err := jsoncodec.Unmarshal(b, &cur); err != nil {
				return fmt.Errorf("catalog: decode stream %q: %w", m.Name, err)
			}
			if cur.Partitions != m.Partitions {
				return fmt.Errorf("%w: stream %q has %d partitions, requested %d",
					errs.ErrPartitionCountMismatch, m.Name, cur.Partitions, m.Partitions)
			}
			m.CreatedAtMs = cur.CreatedAtMs
		case errors.Is(err, pebble.ErrNotFound):
			m.CreatedAtMs = time.Now().UnixMilli()
		default:
			return err
		}
		enc, err := jsoncodec.Marshal(m)
		if err != nil {
			return err
		}
		out = m
		return tx.Set(key, enc)
	})
	return out, err
}

// GetStream loads a stream definition. ok is false when it is not registered.
func GetStream(db *pebblestore.DB, name string) (StreamMeta, bool, error) {
	var m StreamMeta
	ok, err := get(db, streamKey(name), &m)
	return m, ok, err
}

// ListStreams returns every registered stream ordered by name.
func ListStreams(db *pebblestore.DB) ([]StreamMeta, error) {
	var out []StreamMeta
	err := scan(db, streamMetaPrefix, func(b []byte) error {
		var m StreamMeta
		if err := jsoncodec.Unmarshal(b, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// EnsureProcessor records p. Rebinding a processor name to another stream is rejected.
func EnsureProcessor(ctx context.Context, db *pebblestore.DB, p ProcessorMeta) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	return db.Script(ctx, "catalog.ensure_processor", func(tx *pebblestore.Txn) error {
		key := procKey(p.Name)
		b, err := tx.Get(key)
		switch {
		case err == nil:
			var cur ProcessorMeta
			if err := jsoncodec.Unmarshal(b, &cur); err == nil {
				if cur.Stream != p.Stream {
					return fmt.Errorf("catalog: processor %q is bound to stream %q", p.Name, cur.Stream)
				}
				p.CreatedAtMs = cur.CreatedAtMs
			}
		case errors.Is(err, pebble.ErrNotFound):
			p.CreatedAtMs = time.Now().UnixMilli()
		default:
			return err
		}
		enc, err := jsoncodec.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Set(key, enc)
	})
}

func GetProcessor(db *pebblestore.DB, name string) (ProcessorMeta, bool, error) {
	var p ProcessorMeta
	ok, err := get(db, procKey(name), &p)
	return p, ok, err
}

func ListProcessors(db *pebblestore.DB) ([]ProcessorMeta, error) {
	var out []ProcessorMeta
	err := scan(db, procMetaPrefix, func(b []byte) error {
		var p ProcessorMeta
		if err := jsoncodec.Unmarshal(b, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func get(db *pebblestore.DB, key []byte, v any) (bool, error) {
	b, err := db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, jsoncodec.Unmarshal(b, v)
}

func scan(db *pebblestore.DB, prefix []byte, fn func([]byte) error) error {
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return errs.Store("catalog.scan", it.Error())
}
