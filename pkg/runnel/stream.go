package runnel

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/runnel/internal/backoff"
	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/eventlog"
	"github.com/rzbill/runnel/pkg/codec"
	"github.com/rzbill/runnel/pkg/id"
	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/partition"
)

const trimBatch = 512

// Offset locates a published record.
type Offset struct {
	Partition int    `json:"partition"`
	Seq       uint64 `json:"seq"`
	ID        string `json:"id"`
}

// StreamOption configures NewStream.
type StreamOption func(*streamOptions)

type streamOptions struct {
	partitionBy any
	field       string
	codec       codec.Codec
	count       int
	size        int
	sizeSet     bool
	hasher      partition.Hasher
	retention   *time.Duration
}

// WithPartitionBy derives the partition key of each record with fn. fn must
// be a func(T) string for the stream's T.
func WithPartitionBy[T any](fn func(T) string) StreamOption {
	return func(o *streamOptions) { o.partitionBy = fn }
}

// WithPartitionByField keys records by a struct field (Go or json name) or a
// map entry.
func WithPartitionByField(field string) StreamOption {
	return func(o *streamOptions) { o.field = field }
}

func WithCodec(c codec.Codec) StreamOption { return func(o *streamOptions) { o.codec = c } }

// WithPartitionCount fixes the number of partitions. It cannot change once
// the stream exists; when omitted an existing stream keeps its count.
func WithPartitionCount(n int) StreamOption { return func(o *streamOptions) { o.count = n } }

// WithPartitionSize bounds each partition to its newest n records. Zero
// disables count-based trimming.
func WithPartitionSize(n int) StreamOption {
	return func(o *streamOptions) { o.size, o.sizeSet = n, true }
}

func WithHasher(h partition.Hasher) StreamOption { return func(o *streamOptions) { o.hasher = h } }

// WithRetentionAge trims records published longer than d ago.
func WithRetentionAge(d time.Duration) StreamOption {
	return func(o *streamOptions) { o.retention = &d }
}

// Stream is a typed, partitioned append-only log.
type Stream[T any] struct {
	app    *App
	meta   catalog.StreamMeta
	codec  codec.Codec
	hasher partition.Hasher
	keyFn  func(T) (string, error)
	ids    *id.Generator
	retry  backoff.Policy
	logger log.Logger
}

// NewStream registers the stream named name, or validates the options
// against its stored definition.
func NewStream[T any](app *App, name string, opts ...StreamOption) (*Stream[T], error) {
	if name == "" {
		return nil, errs.ErrStreamRequired
	}
	o := streamOptions{codec: codec.JSON{}, hasher: partition.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stream[T]{
		app:    app,
		codec:  o.codec,
		hasher: o.hasher,
		ids:    id.NewGenerator(),
		retry:  backoff.Default(),
		logger: app.logger.WithComponent("stream").With(log.Str("stream", name)),
	}
	switch fn := o.partitionBy.(type) {
	case nil:
		if o.field == "" {
			return nil, errs.ErrPartitionKeyRequired
		}
		field := o.field
		s.keyFn = func(v T) (string, error) { return partition.FieldKey(v, field) }
	case func(T) string:
		s.keyFn = func(v T) (string, error) { return fn(v), nil }
	default:
		return nil, fmt.Errorf("runnel: partition function %T does not take %T", o.partitionBy, *new(T))
	}

	stored, exists, err := catalog.GetStream(app.rt.DB(), name)
	if err != nil {
		return nil, err
	}
	// Unset options keep the stored definition, or the defaults for a new stream.
	base := catalog.Defaults()
	if exists {
		base = stored
		if stored.Hasher != "" && stored.Hasher != o.hasher.Name() {
			return nil, fmt.Errorf("runnel: stream %q is partitioned with %s, not %s", name, stored.Hasher, o.hasher.Name())
		}
	}
	meta := catalog.StreamMeta{
		Name:          name,
		Partitions:    base.Partitions,
		PartitionSize: base.PartitionSize,
		RetentionMs:   base.RetentionMs,
		Codec:         o.codec.Name(),
		Hasher:        o.hasher.Name(),
	}
	if o.count != 0 {
		meta.Partitions = o.count
	}
	if o.sizeSet {
		meta.PartitionSize = o.size
	}
	if o.retention != nil {
		meta.RetentionMs = o.retention.Milliseconds()
	}
	if meta.Partitions < 0 {
		return nil, errs.ErrInvalidPartitionCount
	}
	if s.meta, err = app.rt.EnsureStream(context.Background(), meta); err != nil {
		return nil, err
	}
	s.logger.Debug("stream.ready", log.Int("partitions", s.meta.Partitions), log.Str("codec", s.codec.Name()))
	return s, nil
}

func (s *Stream[T]) Name() string { return s.meta.Name }

func (s *Stream[T]) PartitionCount() int { return s.meta.Partitions }

func (s *Stream[T]) Codec() codec.Codec { return s.codec }

// Partition maps a key to its partition index.
func (s *Stream[T]) Partition(key string) int {
	return partition.Index(s.hasher, key, s.meta.Partitions)
}

// PublishOption configures a single Publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	idempotencyKey string
	key            *string
	headers        map[string]string
}

// WithIdempotencyKey makes a repeated publish of the same key return the
// first record's Offset without appending.
func WithIdempotencyKey(k string) PublishOption {
	return func(o *publishOptions) { o.idempotencyKey = k }
}

// WithKey overrides the partition key derived from the record.
func WithKey(k string) PublishOption { return func(o *publishOptions) { o.key = &k } }

func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) { o.headers = h }
}

type prepared struct {
	partition int
	rec       eventlog.AppendRecord
	id        string
}

func (s *Stream[T]) prepare(v T, o publishOptions) (prepared, error) {
	var key string
	if o.key != nil {
		key = *o.key
	} else {
		k, err := s.keyFn(v)
		if err != nil {
			return prepared{}, err
		}
		key = k
	}
	payload, err := s.codec.Encode(v)
	if err != nil {
		return prepared{}, fmt.Errorf("runnel: encode %s record: %w", s.codec.Name(), err)
	}
	rid := s.ids.Next()
	h, err := eventlog.EncodeHeader(eventlog.Header{
		TsMs:           rid.Time().UnixMilli(),
		ID:             rid.String(),
		Key:            key,
		Codec:          s.codec.Name(),
		IdempotencyKey: o.idempotencyKey,
		Attrs:          o.headers,
	})
	if err != nil {
		return prepared{}, err
	}
	return prepared{
		partition: s.Partition(key),
		rec:       eventlog.AppendRecord{Header: h, Payload: payload, IdempotencyKey: o.idempotencyKey},
		id:        rid.String(),
	}, nil
}

// Publish appends v to the partition of its key.
func (s *Stream[T]) Publish(ctx context.Context, v T, opts ...PublishOption) (Offset, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	p, err := s.prepare(v, o)
	if err != nil {
		return Offset{}, err
	}
	seqs, err := s.append(ctx, p.partition, []eventlog.AppendRecord{p.rec})
	if err != nil {
		return Offset{}, err
	}
	return Offset{Partition: p.partition, Seq: seqs[0], ID: p.id}, nil
}

// PublishBatch appends vs, each partition's share in one atomic batch. The
// returned offsets line up with vs. On error, partitions appended before the
// failing one keep their records.
func (s *Stream[T]) PublishBatch(ctx context.Context, vs ...T) ([]Offset, error) {
	out := make([]Offset, len(vs))
	groups := map[int][]int{}
	var order []int
	recs := make([]prepared, len(vs))
	for i, v := range vs {
		p, err := s.prepare(v, publishOptions{})
		if err != nil {
			return nil, err
		}
		recs[i] = p
		if _, ok := groups[p.partition]; !ok {
			order = append(order, p.partition)
		}
		groups[p.partition] = append(groups[p.partition], i)
	}
	for _, part := range order {
		idx := groups[part]
		batch := make([]eventlog.AppendRecord, len(idx))
		for j, i := range idx {
			batch[j] = recs[i].rec
		}
		seqs, err := s.append(ctx, part, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			out[i] = Offset{Partition: part, Seq: seqs[j], ID: recs[i].id}
		}
	}
	return out, nil
}

func (s *Stream[T]) append(ctx context.Context, part int, recs []eventlog.AppendRecord) ([]uint64, error) {
	lg, err := s.app.rt.Log(s.meta.Name, part)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	err = backoff.Retry(ctx, s.retry, func() error {
		var err error
		seqs, err = lg.Append(ctx, recs)
		return err
	})
	if err != nil {
		s.logger.Warn("stream.publish_failed", log.Int("partition", part), log.Err(err))
		return nil, err
	}
	s.app.rt.Metrics().RecordPublish(s.meta.Name, part, len(recs))
	s.trim(ctx, lg)
	return seqs, nil
}

// trim enforces the partition window after an append. Failures only log; the
// next append retries.
func (s *Stream[T]) trim(ctx context.Context, lg *eventlog.Log) {
	if s.meta.PartitionSize > 0 {
		if _, err := lg.TrimToMaxCount(ctx, s.meta.PartitionSize, trimBatch, 0); err != nil {
			s.logger.Warn("stream.trim_failed", log.Int64("partition", int64(lg.Partition())), log.Err(err))
		}
	}
	if s.meta.RetentionMs > 0 {
		cutoff := time.Now().UnixMilli() - s.meta.RetentionMs
		if _, _, err := lg.TrimOlderThan(ctx, cutoff, trimBatch, 0); err != nil {
			s.logger.Warn("stream.trim_failed", log.Int64("partition", int64(lg.Partition())), log.Err(err))
		}
	}
}
