package assign

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func members(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("exec-%02d", i)
	}
	return out
}

func checkPartitionedOnce(t *testing.T, got map[string][]int, partitions int) {
	t.Helper()
	seen := make(map[int]string, partitions)
	for m, ps := range got {
		for _, p := range ps {
			prev, dup := seen[p]
			require.Falsef(t, dup, "partition %d assigned to %s and %s", p, prev, m)
			seen[p] = m
		}
	}
	require.Len(t, seen, partitions)
}

func TestRoundRobinRankOrder(t *testing.T) {
	t.Parallel()

	got, err := NewRoundRobin().Assign([]string{"a", "b", "c"}, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 6}, got["a"])
	assert.Equal(t, []int{1, 4, 7}, got["b"])
	assert.Equal(t, []int{2, 5}, got["c"])
}

func TestStrategiesCoverEveryPartitionOnce(t *testing.T) {
	t.Parallel()

	for _, s := range []Strategy{NewRoundRobin(), NewConsistentHash()} {
		for _, n := range []int{1, 2, 3, 7} {
			for _, parts := range []int{1, 4, 16, 33} {
				got, err := s.Assign(members(n), parts)
				require.NoError(t, err)
				checkPartitionedOnce(t, got, parts)
				for m, ps := range got {
					assert.LessOrEqualf(t, len(ps), FairShare(n, parts), "%s %s over fair share", s.Name(), m)
				}
			}
		}
	}
}

func TestTargetIsOrderIndependent(t *testing.T) {
	t.Parallel()

	ms := members(4)
	rev := slices.Clone(ms)
	slices.Reverse(rev)
	rev = append(rev, ms[0], "")

	for _, s := range []Strategy{NewRoundRobin(), NewConsistentHash()} {
		for _, self := range ms {
			a, err := Target(s, ms, 16, self)
			require.NoError(t, err)
			b, err := Target(s, rev, 16, self)
			require.NoError(t, err)
			assert.Equal(t, a, b, s.Name())
		}
	}
}

func TestTargetWithoutMembers(t *testing.T) {
	t.Parallel()

	_, err := Target(NewRoundRobin(), nil, 4, "x")
	require.ErrorIs(t, err, ErrNoMembers)
}

func TestConsistentHashMovesLessThanRoundRobin(t *testing.T) {
	t.Parallel()

	moved := func(s Strategy) int {
		before, err := s.Assign(members(4), 64)
		require.NoError(t, err)
		after, err := s.Assign(members(5), 64)
		require.NoError(t, err)
		owner := map[int]string{}
		for m, ps := range before {
			for _, p := range ps {
				owner[p] = m
			}
		}
		n := 0
		for m, ps := range after {
			for _, p := range ps {
				if owner[p] != m {
					n++
				}
			}
		}
		return n
	}
	assert.Less(t, moved(NewConsistentHash()), moved(NewRoundRobin()))
}

func TestDiff(t *testing.T) {
	t.Parallel()

	p := Diff([]int{0, 1, 2, 5}, []int{2, 3, 5, 6})
	assert.Equal(t, []int{0, 1}, p.Release)
	assert.Equal(t, []int{3, 6}, p.Acquire)
	assert.Equal(t, []int{2, 5}, p.Keep)
	assert.False(t, p.Empty())
	assert.True(t, Diff([]int{1}, []int{1}).Empty())
}

func TestByName(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{
		"":                RoundRobinName,
		"round_robin":     RoundRobinName,
		"consistent_hash": ConsistentHashName,
	} {
		s, err := ByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, s.Name())
	}

	_, err := ByName("round-robin")
	require.ErrorIs(t, err, ErrUnknownStrategy)
}
