package controllers

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/eventlog"
	"github.com/rzbill/runnel/internal/jsoncodec"
	"github.com/rzbill/runnel/pkg/codec"
	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/partition"
	"github.com/rzbill/runnel/pkg/runnel"
)

const (
	defaultMessagesLimit = 100
	maxMessagesLimit     = 1000
	tailBatch            = 256
	tailPing             = 15 * time.Second
)

// StreamsController manages streams: registration, listing, raw publishing,
// per-partition stats and record browsing.
type StreamsController struct {
	app    *runnel.App
	logger log.Logger

	raw    *xsync.Map[string, *runnel.Stream[[]byte]]
	openMu sync.Mutex
}

func NewStreamsController(app *runnel.App, logger log.Logger) *StreamsController {
	return &StreamsController{
		app:    app,
		logger: logger,
		raw:    xsync.NewMap[string, *runnel.Stream[[]byte]](),
	}
}

func (c *StreamsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/streams", c.handleList)
	mux.HandleFunc("/v1/streams/create", c.handleCreate)
	mux.HandleFunc("/v1/streams/stats", c.handleStats)
	mux.HandleFunc("/v1/streams/messages", c.handleMessages)
	mux.HandleFunc("/v1/streams/tail", c.handleTail)
	mux.HandleFunc("/v1/publish", c.handlePublish)
}

func (c *StreamsController) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	streams, err := catalog.ListStreams(c.app.Runtime().DB())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// handleCreate registers a stream. Registering an existing stream with the
// same partition count updates its size, retention and codec; the hasher is
// fixed.
func (c *StreamsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createStreamReq
	if err := jsoncodec.Decode(r.Body, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := catalog.ValidateName(req.Stream); err != nil {
		badRequest(w, err.Error())
		return
	}
	meta := catalog.Defaults()
	stored, exists, err := catalog.GetStream(c.app.Runtime().DB(), req.Stream)
	if err != nil {
		writeError(w, err)
		return
	}
	if exists {
		meta = stored
		// Omitted fields keep what the stream was registered with.
		if req.Hasher == "" {
			req.Hasher = stored.Hasher
		}
		if req.Codec == "" {
			req.Codec = stored.Codec
		}
	}
	h, err := partition.HasherByName(req.Hasher)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	cd, err := codec.ByName(req.Codec)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if exists && stored.Hasher != "" && stored.Hasher != h.Name() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("stream %q is partitioned with %s", req.Stream, stored.Hasher)})
		return
	}
	meta.Name, meta.Hasher, meta.Codec = req.Stream, h.Name(), cd.Name()
	if req.Partitions != 0 {
		meta.Partitions = req.Partitions
	}
	if req.PartitionSize != nil {
		meta.PartitionSize = *req.PartitionSize
	}
	if req.RetentionMs != 0 {
		meta.RetentionMs = req.RetentionMs
	}
	out, err := c.app.Runtime().EnsureStream(r.Context(), meta)
	if err != nil {
		writeError(w, err)
		return
	}
	c.raw.Delete(req.Stream)
	c.logger.Info("http.stream_registered", log.Str("stream", out.Name), log.Int("partitions", out.Partitions))
	writeJSON(w, http.StatusCreated, out)
}

func (c *StreamsController) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req publishReq
	if err := jsoncodec.Decode(r.Body, &req); err != nil || req.Stream == "" {
		badRequest(w, "stream and payload are required")
		return
	}
	st, err := c.rawStream(req.Stream)
	if err != nil {
		writeError(w, err)
		return
	}
	opts := []runnel.PublishOption{runnel.WithKey(req.Key), runnel.WithHeaders(req.Headers)}
	if req.IdempotencyKey != "" {
		opts = append(opts, runnel.WithIdempotencyKey(req.IdempotencyKey))
	}
	off, err := st.Publish(r.Context(), req.Payload, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, off)
}

func (c *StreamsController) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	meta, err := c.lookup(r.URL.Query().Get("stream"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := streamStatsJSON{Stream: meta.Name, Partitions: make([]partitionStatsJSON, 0, meta.Partitions)}
	for p := 0; p < meta.Partitions; p++ {
		lg, err := c.app.Runtime().Log(meta.Name, p)
		if err != nil {
			writeError(w, err)
			return
		}
		st, err := lg.Stats()
		if err != nil {
			writeError(w, err)
			return
		}
		out.Partitions = append(out.Partitions, partitionStatsJSON{
			Partition: p,
			FirstSeq:  st.FirstSeq,
			LastSeq:   st.LastSeq,
			Count:     st.Count,
			Bytes:     st.Bytes,
		})
		out.TotalCount += st.Count
		out.TotalBytes += st.Bytes
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMessages pages through one partition:
// ?stream=&partition=&from=<seq>&limit=&reverse=true. The response carries
// the seq to pass as from for the next page, or 0 when exhausted.
func (c *StreamsController) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	lg, ok := c.partitionLog(w, q.Get("stream"), q.Get("partition"))
	if !ok {
		return
	}
	items, next, err := lg.Read(eventlog.ReadOptions{
		Start:   eventlog.TokenFromSeq(parseUint(q.Get("from"))),
		Limit:   parseLimit(q.Get("limit"), defaultMessagesLimit, maxMessagesLimit),
		Reverse: q.Get("reverse") == "true",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	msgs := make([]messageJSON, 0, len(items))
	for _, it := range items {
		msgs = append(msgs, toMessage(int(lg.Partition()), it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "next": next.Seq()})
}

// handleTail streams a partition's records as Server-Sent Events without
// touching any processor's cursor. It starts after the current tail unless
// ?from=<seq> is given.
func (c *StreamsController) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	lg, ok := c.partitionLog(w, q.Get("stream"), q.Get("partition"))
	if !ok {
		return
	}
	next := lg.LastSeq() + 1
	if q.Has("from") {
		next = parseUint(q.Get("from"))
	}

	ctx := r.Context()
	sink := newSSESink(w)
	sink.Flush()
	for ctx.Err() == nil {
		notify := lg.Notify()
		items, _, err := lg.Read(eventlog.ReadOptions{Start: eventlog.TokenFromSeq(next), Limit: tailBatch})
		if err != nil {
			c.logger.Warn("http.tail_read_failed", log.Str("stream", lg.Stream()), log.Err(err))
			return
		}
		for _, it := range items {
			if err := sink.Send(toMessage(int(lg.Partition()), it)); err != nil {
				return
			}
			next = it.Seq + 1
		}
		if len(items) > 0 {
			sink.Flush()
			continue
		}
		if !eventlog.WaitOn(ctx, notify, tailPing) && ctx.Err() == nil {
			if err := sink.Ping(); err != nil {
				return
			}
			sink.Flush()
		}
	}
}

func (c *StreamsController) lookup(name string) (catalog.StreamMeta, error) {
	if name == "" {
		return catalog.StreamMeta{}, runnel.ErrStreamRequired
	}
	meta, ok, err := catalog.GetStream(c.app.Runtime().DB(), name)
	if err != nil {
		return meta, err
	}
	if !ok {
		return meta, fmt.Errorf("%w: stream %q", runnel.ErrNotFound, name)
	}
	return meta, nil
}

// partitionLog resolves the stream and partition query parameters, writing
// the error response itself when they do not name a partition.
func (c *StreamsController) partitionLog(w http.ResponseWriter, stream, part string) (*eventlog.Log, bool) {
	meta, err := c.lookup(stream)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	p, ok := parsePartition(part)
	if !ok || p >= meta.Partitions {
		writeError(w, fmt.Errorf("%w: %q of %d", runnel.ErrPartitionOutOfRange, part, meta.Partitions))
		return nil, false
	}
	lg, err := c.app.Runtime().Log(meta.Name, p)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return lg, true
}

func toMessage(p int, it eventlog.Item) messageJSON {
	m := messageJSON{Partition: p, Seq: it.Seq, Payload: it.Payload}
	if h, err := eventlog.DecodeHeader(it.Header); err == nil {
		m.ID, m.Key, m.TsMs, m.Codec, m.Headers = h.ID, h.Key, h.TsMs, h.Codec, h.Attrs
	}
	return m
}

// rawStream opens a registered stream for byte payloads, reusing its stored
// hasher and codec name so records match typed publishers.
func (c *StreamsController) rawStream(name string) (*runnel.Stream[[]byte], error) {
	if st, ok := c.raw.Load(name); ok {
		return st, nil
	}
	c.openMu.Lock()
	defer c.openMu.Unlock()
	if st, ok := c.raw.Load(name); ok {
		return st, nil
	}
	meta, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	h, err := partition.HasherByName(meta.Hasher)
	if err != nil {
		return nil, err
	}
	st, err := runnel.NewStream[[]byte](c.app, name,
		runnel.WithPartitionBy(func([]byte) string { return "" }),
		runnel.WithCodec(codec.Passthrough(meta.Codec)),
		runnel.WithHasher(h))
	if err != nil {
		return nil, err
	}
	c.raw.Store(name, st)
	return st, nil
}
