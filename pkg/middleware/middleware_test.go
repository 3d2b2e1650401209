package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

// sliceIterator replays fixed entries.
type sliceIterator struct {
	entries []runnel.Entry
	pos     int
}

func (s *sliceIterator) Next(context.Context) bool { return s.TryNext() }

func (s *sliceIterator) TryNext() bool {
	if s.pos >= len(s.entries) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIterator) Entry() runnel.Entry { return s.entries[s.pos-1] }

func (s *sliceIterator) Err() error { return nil }

func entries() []runnel.Entry {
	return []runnel.Entry{
		{Partition: 1, Seq: 1, Key: "ada", Codec: "json", Payload: []byte(`{"total":5,"kind":"refund"}`)},
		{Partition: 1, Seq: 2, Key: "bob", Codec: "json", Payload: []byte(`{"total":50,"kind":"sale"}`), Attrs: map[string]string{"region": "eu"}},
		{Partition: 1, Seq: 3, Key: "ada", Codec: "raw", Payload: []byte("plain"), Deliveries: 3},
	}
}

func collect(out *[]uint64) runnel.RawHandler {
	return func(ctx context.Context, it runnel.Iterator) error {
		for it.Next(ctx) {
			*out = append(*out, it.Entry().Seq)
		}
		return nil
	}
}

func TestFilter(t *testing.T) {
	cases := map[string][]uint64{
		"":                                   {1, 2, 3},
		`key == "ada"`:                       {1, 3},
		`json.kind == "sale"`:                {2},
		`has(json.total) && json.total > 10`: {2},
		`headers["region"] == "eu"`:          {2},
		`deliveries > 1 || seq == 1`:         {1, 3},
		`text.startsWith("pl")`:              {3},
	}
	for expr, want := range cases {
		mw, err := Filter(expr)
		require.NoError(t, err, expr)
		var got []uint64
		require.NoError(t, mw(collect(&got))(context.Background(), &sliceIterator{entries: entries()}))
		assert.Equal(t, want, got, expr)
	}

	_, err := Filter(`key ==`)
	require.Error(t, err)
	_, err = Filter(`unknown_var > 1`)
	require.Error(t, err)
}

func TestFilterTryNext(t *testing.T) {
	mw, err := Filter(`seq >= 2`)
	require.NoError(t, err)
	var got []uint64
	h := mw(func(_ context.Context, it runnel.Iterator) error {
		for it.TryNext() {
			got = append(got, it.Entry().Seq)
		}
		return nil
	})
	require.NoError(t, h(context.Background(), &sliceIterator{entries: entries()}))
	assert.Equal(t, []uint64{2, 3}, got)
}

type recordedSpan struct {
	trace.Span
	name   string
	attrs  []attribute.KeyValue
	status codes.Code
	errs   []error
	ended  bool
}

func (s *recordedSpan) End(...trace.SpanEndOption)             { s.ended = true }
func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) { s.attrs = append(s.attrs, kv...) }
func (s *recordedSpan) SetStatus(c codes.Code, _ string)       { s.status = c }
func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) {
	s.errs = append(s.errs, err)
}

type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []*recordedSpan
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordedSpan{Span: noop.Span{}, name: name, attrs: cfg.Attributes()}
	r.mu.Lock()
	r.spans = append(r.spans, s)
	r.mu.Unlock()
	return ctx, s
}

type recordingProvider struct {
	noop.TracerProvider
	tracer *recordingTracer
}

func (p recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer { return p.tracer }

func TestTracingSpanPerRecord(t *testing.T) {
	tr := &recordingTracer{}
	mw := Tracing(WithTracerProvider(recordingProvider{tracer: tr}))

	boom := errors.New("boom")
	h := mw(func(ctx context.Context, it runnel.Iterator) error {
		for it.Next(ctx) {
			if it.Entry().Seq == 2 {
				return boom
			}
		}
		return nil
	})
	require.ErrorIs(t, h(context.Background(), &sliceIterator{entries: entries()}), boom)

	require.Len(t, tr.spans, 3)
	run, first, second := tr.spans[0], tr.spans[1], tr.spans[2]
	assert.Equal(t, "runnel.handle", run.name)
	assert.Equal(t, "runnel.record", first.name)
	assert.Contains(t, first.attrs, attribute.String("runnel.key", "ada"))
	assert.Contains(t, second.attrs, attribute.String("runnel.seq", "2"))
	for _, s := range tr.spans {
		assert.True(t, s.ended, s.name)
	}
	assert.Equal(t, codes.Unset, first.status)
	assert.Equal(t, codes.Error, second.status)
	assert.Equal(t, codes.Error, run.status)
	assert.Contains(t, run.attrs, attribute.Int("runnel.records", 2))
}

func TestRecover(t *testing.T) {
	h := Recover(log.NewNopLogger())(func(context.Context, runnel.Iterator) error {
		panic("kaboom")
	})
	err := h(context.Background(), &sliceIterator{})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestLoggingPassesThrough(t *testing.T) {
	var got []uint64
	h := Logging(nil)(collect(&got))
	require.NoError(t, h(context.Background(), &sliceIterator{entries: entries()}))
	assert.Equal(t, []uint64{1, 2, 3}, got)

	failing := Logging(log.NewNopLogger())(func(context.Context, runnel.Iterator) error { return errors.New("x") })
	require.Error(t, failing(context.Background(), &sliceIterator{}))
}
