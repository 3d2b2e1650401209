package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/rzbill/runnel/internal/server/http"
	"github.com/rzbill/runnel/pkg/runnel"
)

func newAPI(t *testing.T) (*runnel.App, BaseURLFunc) {
	t.Helper()
	app, err := runnel.Open(runnel.WithDataDir(t.TempDir()), runnel.WithFsync("never", 0))
	require.NoError(t, err)
	ts := httptest.NewServer(httpserver.New(app, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = app.Close()
	})
	return app, func() string { return ts.URL }
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestStreamCreateListAndPublish(t *testing.T) {
	_, base := newAPI(t)

	out, err := run(t, NewRoot(base), "stream", "create", "--name", "orders", "--partitions", "4", "--codec", "raw")
	require.NoError(t, err)
	assert.Contains(t, out, "stream orders: 4 partitions")

	out, err = run(t, NewRoot(base), "stream", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "raw")

	out, err = run(t, NewRoot(base), "publish", "--stream", "orders", "--key", "c-1", "--data", "first", "--header", "source=cli")
	require.NoError(t, err)
	assert.Contains(t, out, "seq=1")
	partition := strings.Fields(out)[0]

	out, err = run(t, NewRoot(base), "publish", "--stream", "orders", "--key", "c-1", "--data", "second")
	require.NoError(t, err)
	assert.Contains(t, out, partition)
	assert.Contains(t, out, "seq=2")

	p := strings.TrimPrefix(partition, "partition=")
	out, err = run(t, NewRoot(base), "stream", "messages", "--name", "orders", "--partition", p)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "seq=1")
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")

	out, err = run(t, NewRoot(base), "stream", "messages", "--name", "orders", "--partition", p, "-o", "json", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"payload_text":"first"`)
	assert.Contains(t, out, `"source":"cli"`)
	assert.Contains(t, out, "next: --from 2")

	out, err = run(t, NewRoot(base), "stream", "stats", "--name", "orders")
	require.NoError(t, err)
	assert.Contains(t, out, `"totalCount": 2`)
}

func TestPublishIdempotencyKey(t *testing.T) {
	_, base := newAPI(t)
	_, err := run(t, NewRoot(base), "stream", "create", "--name", "orders", "--partitions", "2")
	require.NoError(t, err)

	first, err := run(t, NewRoot(base), "publish", "--stream", "orders", "--data", `{"n":1}`, "--idempotency-key", "k1")
	require.NoError(t, err)
	again, err := run(t, NewRoot(base), "publish", "--stream", "orders", "--data", `{"n":1}`, "--idempotency-key", "k1")
	require.NoError(t, err)
	assert.Equal(t, strings.Fields(first)[:2], strings.Fields(again)[:2])
}

func TestStatusAndPoisonClear(t *testing.T) {
	app, base := newAPI(t)
	st, err := runnel.NewStream[map[string]string](app, "orders", runnel.WithPartitionByField("customer"), runnel.WithPartitionCount(2))
	require.NoError(t, err)
	_, err = runnel.NewProcessor(st, func(context.Context, *runnel.Events[map[string]string]) error { return nil },
		runnel.WithName("billing"), runnel.WithExceptionPolicy(runnel.Quarantine))
	require.NoError(t, err)

	out, err := run(t, NewRoot(base), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "billing")
	assert.Contains(t, out, "quarantine")

	out, err = run(t, NewRoot(base), "status", "--processor", "billing")
	require.NoError(t, err)
	assert.Contains(t, out, "processor billing on stream orders")
	assert.Contains(t, out, "PARTITION")

	out, err = run(t, NewRoot(base), "poison", "clear", "--processor", "billing", "--partition", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "0 records requeued")

	_, err = run(t, NewRoot(base), "poison", "clear", "--processor", "billing", "--partition", "7")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)

	_, err = run(t, NewRoot(base), "poison", "clear", "--processor", "billing")
	require.Error(t, err)

	_, err = run(t, NewRoot(base), "status", "--processor", "nobody")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"a=1", "b = x=y", ""}, `{"c":"3","a":"override"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "override", "b": " x=y", "c": "3"}, h)

	_, err = parseHeaders([]string{"novalue"}, "")
	require.Error(t, err)
	_, err = parseHeaders(nil, "{")
	require.Error(t, err)
}

func TestAPIURLFromEnv(t *testing.T) {
	t.Setenv("RUNNEL_HTTP", "")
	assert.Equal(t, "http://127.0.0.1:7070", APIURLFromEnv())
	t.Setenv("RUNNEL_HTTP", "http://admin:9000/")
	assert.Equal(t, "http://admin:9000", APIURLFromEnv())
}
