package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/runnel/internal/jsoncodec"
	"github.com/rzbill/runnel/internal/metrics"
	"github.com/rzbill/runnel/pkg/runnel"
)

type event struct {
	User string `json:"user"`
}

func newServer(t *testing.T) (*Server, *runnel.App) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheus(reg, "runnel")
	require.NoError(t, err)
	app, err := runnel.Open(runnel.WithDataDir(t.TempDir()), runnel.WithFsync("never", 0), runnel.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return New(app, nil, WithGatherer(reg)), app
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s, app := newServer(t)
	w := do(s, http.MethodGet, "/v1/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	require.NoError(t, app.Close())
	w = do(s, http.MethodGet, "/v1/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPublishHandler(t *testing.T) {
	s, app := newServer(t)
	stream, err := runnel.NewStream[event](app, "clicks", runnel.WithPartitionByField("user"), runnel.WithPartitionCount(4))
	require.NoError(t, err)

	// payload is base64 of {"user":"ada"}
	w := do(s, http.MethodPost, "/v1/publish", `{"stream":"clicks","key":"ada","payload":"eyJ1c2VyIjoiYWRhIn0="}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var off runnel.Offset
	require.NoError(t, jsoncodec.Unmarshal(w.Body.Bytes(), &off))
	assert.Equal(t, stream.Partition("ada"), off.Partition)
	assert.Equal(t, uint64(1), off.Seq)

	// A typed publish of the same key lands after it.
	next, err := stream.Publish(context.Background(), event{User: "ada"})
	require.NoError(t, err)
	assert.Equal(t, off.Partition, next.Partition)
	assert.Equal(t, uint64(2), next.Seq)

	w = do(s, http.MethodPost, "/v1/publish", `{"stream":"missing","payload":"eA=="}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(s, http.MethodPost, "/v1/publish", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(s, http.MethodGet, "/v1/publish", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "runnel_")
}

func TestStatusAndPoisonClear(t *testing.T) {
	s, app := newServer(t)
	stream, err := runnel.NewStream[event](app, "clicks", runnel.WithPartitionByField("user"), runnel.WithPartitionCount(2))
	require.NoError(t, err)
	proc, err := runnel.NewProcessor(stream, func(context.Context, *runnel.Events[event]) error { return nil }, runnel.WithName("sessions"))
	require.NoError(t, err)
	s.Register(proc)

	w := do(s, http.MethodGet, "/v1/status?processor=sessions", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st runnel.Status
	require.NoError(t, jsoncodec.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "clicks", st.Stream)
	assert.Len(t, st.Partitions, 2)

	w = do(s, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions"`)

	w = do(s, http.MethodGet, "/v1/status?processor=nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, http.MethodPost, "/v1/poison/clear", `{"processor":"sessions","partition":1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"requeued":0`)

	w = do(s, http.MethodPost, "/v1/poison/clear", `{"processor":"sessions","partition":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamCreateStatsAndMessages(t *testing.T) {
	s, _ := newServer(t)

	w := do(s, http.MethodPost, "/v1/streams/create", `{"stream":"audit","partitions":2,"codec":"raw"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"partitions":2`)

	w = do(s, http.MethodPost, "/v1/streams/create", `{"stream":"audit","partitions":3}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(s, http.MethodPost, "/v1/streams/create", `{"stream":"bad name"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(s, http.MethodPost, "/v1/streams/create", `{"stream":"audit","partitions":2,"hasher":"fnv"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(s, http.MethodPost, "/v1/streams/create", `{"stream":"audit","partitionSize":10}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"codec":"raw"`)
	assert.Contains(t, w.Body.String(), `"partitionSize":10`)

	var partitions []int
	for _, payload := range []string{"YQ==", "Yg==", "Yw=="} { // a, b, c
		w = do(s, http.MethodPost, "/v1/publish", `{"stream":"audit","key":"k","payload":"`+payload+`"}`)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var off runnel.Offset
		require.NoError(t, jsoncodec.Unmarshal(w.Body.Bytes(), &off))
		partitions = append(partitions, off.Partition)
	}
	p := partitions[0]
	assert.Equal(t, []int{p, p, p}, partitions)

	w = do(s, http.MethodGet, "/v1/streams/stats?stream=audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats streamStats
	require.NoError(t, jsoncodec.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalCount)
	require.Len(t, stats.Partitions, 2)
	assert.Equal(t, uint64(3), stats.Partitions[p].LastSeq)

	w = do(s, http.MethodGet, fmt.Sprintf("/v1/streams/messages?stream=audit&partition=%d&limit=2", p), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page messagesPage
	require.NoError(t, jsoncodec.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "a", string(page.Messages[0].Payload))
	assert.Equal(t, "k", page.Messages[0].Key)
	assert.Equal(t, uint64(3), page.Next)

	w = do(s, http.MethodGet, fmt.Sprintf("/v1/streams/messages?stream=audit&partition=%d&from=3", p), "")
	require.NoError(t, jsoncodec.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "c", string(page.Messages[0].Payload))
	assert.Zero(t, page.Next)

	w = do(s, http.MethodGet, "/v1/streams/messages?stream=audit&partition=9", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(s, http.MethodGet, "/v1/streams/stats?stream=none", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, http.MethodGet, "/v1/streams", "")
	assert.Contains(t, w.Body.String(), `"audit"`)
}

func TestTailStreamsNewRecords(t *testing.T) {
	s, _ := newServer(t)
	w := do(s, http.MethodPost, "/v1/streams/create", `{"stream":"audit","partitions":1,"codec":"raw"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(s, http.MethodPost, "/v1/publish", `{"stream":"audit","payload":"b2xk"}`) // old
	require.Equal(t, http.StatusAccepted, w.Code)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/streams/tail?stream=audit&partition=0", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	w = do(s, http.MethodPost, "/v1/publish", `{"stream":"audit","payload":"bmV3"}`) // new
	require.Equal(t, http.StatusAccepted, w.Code)

	sc := bufio.NewScanner(resp.Body)
	var got messageEvent
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.NoError(t, jsoncodec.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got))
		break
	}
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, "new", string(got.Payload))
}

type messageEvent struct {
	Seq     uint64 `json:"seq"`
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
}

type messagesPage struct {
	Messages []messageEvent `json:"messages"`
	Next     uint64         `json:"next"`
}

type streamStats struct {
	TotalCount int `json:"totalCount"`
	Partitions []struct {
		LastSeq uint64 `json:"lastSeq"`
	} `json:"partitions"`
}
