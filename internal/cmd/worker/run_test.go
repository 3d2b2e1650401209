package workerrun

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/runnel/internal/config"
	"github.com/rzbill/runnel/pkg/codec"
	logpkg "github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(dir string) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = dir
	cfg.Fsync = "never"
	cfg.Admin = cfgpkg.Admin{}
	p := &cfg.Processor
	p.LockExpiry = cfgpkg.Duration(600 * time.Millisecond)
	p.ReadTimeout = cfgpkg.Duration(50 * time.Millisecond)
	p.AssignmentSleep = cfgpkg.Duration(20 * time.Millisecond)
	p.AssignmentAttempts = 50
	p.JoinDelay = 0
	p.GracePeriod = cfgpkg.Duration(time.Second)
	p.WatchdogInterval = cfgpkg.Duration(100 * time.Millisecond)
	p.MaxTTL = cfgpkg.Duration(30 * time.Second)
	return cfg
}

func seed(t *testing.T, dir string, records map[string][]string) {
	t.Helper()
	app, err := runnel.Open(runnel.WithDataDir(dir), runnel.WithFsync("never", 0))
	require.NoError(t, err)
	defer app.Close()
	st, err := runnel.NewStream[[]byte](app, "audit",
		runnel.WithPartitionBy(func([]byte) string { return "" }),
		runnel.WithCodec(codec.Raw{}),
		runnel.WithPartitionCount(2))
	require.NoError(t, err)
	for key, payloads := range records {
		for _, p := range payloads {
			_, err := st.Publish(context.Background(), []byte(p), runnel.WithKey(key))
			require.NoError(t, err)
		}
	}
}

func TestRunPrintsStreamRecords(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, map[string][]string{"alice": {"a1", "a2", "a3"}, "bob": {"b1", "skip-b2"}})

	out := &lockedBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Config:    testConfig(dir),
			Stream:    "audit",
			Processor: "printer",
			Filter:    `!text.startsWith("skip")`,
			Output:    out,
			Logger:    logpkg.NewNopLogger(),
		})
	}()

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") == 4
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	text := out.String()
	assert.NotContains(t, text, "skip-b2")
	a1, a2, a3 := strings.Index(text, "a1"), strings.Index(text, "a2"), strings.Index(text, "a3")
	assert.True(t, a1 >= 0 && a1 < a2 && a2 < a3, "per-key order kept: %s", text)
	assert.Contains(t, text, `key="bob"`)
}

func TestRunAdminOnlyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Config: testConfig(t.TempDir()), Logger: logpkg.NewNopLogger()})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin did not stop")
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	cfg := testConfig(t.TempDir())
	err := Run(context.Background(), Options{Config: cfg, Format: "yaml", Logger: logpkg.NewNopLogger()})
	require.Error(t, err)

	cfg.Processor.Policy = "retry"
	err = Run(context.Background(), Options{Config: cfg, Stream: "audit", Logger: logpkg.NewNopLogger()})
	require.ErrorIs(t, err, runnel.ErrUnknownPolicy)

	cfg = testConfig(t.TempDir())
	err = Run(context.Background(), Options{Config: cfg, Stream: "audit", Filter: "seq +", Logger: logpkg.NewNopLogger()})
	require.Error(t, err)
}

func TestProcessorOptions(t *testing.T) {
	opts, err := processorOptions(cfgpkg.Default().Processor)
	require.NoError(t, err)
	assert.Len(t, opts, 12)

	d := cfgpkg.Default().Processor
	d.Policy = "QUARANTINE"
	_, err = processorOptions(d)
	require.NoError(t, err)
}
