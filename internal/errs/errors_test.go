package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreErrorMatchesSentinel(t *testing.T) {
	t.Parallel()
	base := errors.New("disk gone")
	err := fmt.Errorf("append: %w", Store("append", base))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, base)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "append", se.Op)

	require.NoError(t, Store("noop", nil))
	again := Store("outer", se)
	require.Same(t, se, again.(*StoreError))
}

func TestCallbackErrorMatchesSentinel(t *testing.T) {
	t.Parallel()
	cause := errors.New("bad record")
	err := error(&CallbackError{Processor: "orders", Partition: 2, Seq: 9, Err: cause})
	require.ErrorIs(t, err, ErrCallback)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrStoreUnavailable)
	require.Contains(t, err.Error(), "partition 2 seq 9")
}

func TestLeaseLostWraps(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, LeaseLost("p", 1, "exec-b"), ErrLeaseLost)
	require.Contains(t, LeaseLost("p", 1, "").Error(), "has no lease")
}
