package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecords(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "")
	require.NoError(t, err)

	p.RecordPublish("orders", 3, 2)
	p.RecordPublish("orders", 3, 1)
	p.EmitTrimRange("orders", 3, 10, 14)
	p.RecordClaim("billing", true)
	p.RecordClaim("billing", false)
	p.RecordOwnedPartitions("billing", "exec-a", 4)
	p.RecordCallback("billing", 0, time.Millisecond, errors.New("boom"))
	p.ObserveBatchCommit(time.Millisecond, 3, 120)

	assert.Equal(t, 3.0, testutil.ToFloat64(p.published.WithLabelValues("orders", "3")))
	assert.Equal(t, 5.0, testutil.ToFloat64(p.trimmed.WithLabelValues("orders", "3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.claims.WithLabelValues("billing", "won")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.claims.WithLabelValues("billing", "lost")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.owned.WithLabelValues("billing", "exec-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.callbacks.WithLabelValues("billing", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(p.storeBytes.WithLabelValues("commit")))
}

func TestPrometheusDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg, "dup")
	require.NoError(t, err)
	_, err = NewPrometheus(reg, "dup")
	require.Error(t, err)
}

func TestNopSatisfiesHooks(t *testing.T) {
	t.Parallel()

	var c Collector = NewNop()
	c.EmitTrimRange("s", 0, 1, 2)
	c.RecordRequeued("p", 1)
}
