// Package assign computes which partitions each live executor should own.
//
// Every executor evaluates the same strategy over the same sorted member list,
// so all of them agree on the target map without talking to each other.
package assign

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"
)

var (
	// ErrNoMembers is returned when there is nobody to assign partitions to.
	ErrNoMembers = errors.New("assign: no live members")
	// ErrUnknownStrategy is returned by ByName for names it does not know.
	ErrUnknownStrategy = errors.New("assign: unknown strategy")
)

// Strategy maps partition indexes onto member ids.
type Strategy interface {
	Name() string
	// Assign returns the partitions owned by each member. Members absent from
	// the map own nothing. members is sorted and free of duplicates.
	Assign(members []string, partitions int) (map[string][]int, error)
}

// Target returns the sorted partitions self should own.
func Target(s Strategy, members []string, partitions int, self string) ([]int, error) {
	members = normalize(members)
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	all, err := s.Assign(members, partitions)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(all[self])
	slices.Sort(out)
	return out, nil
}

// Plan is the difference between what an executor holds and what it should hold.
type Plan struct {
	Release []int
	Acquire []int
	Keep    []int
}

// Diff splits owned and target into partitions to release, acquire and keep.
func Diff(owned, target []int) Plan {
	acquire, release := lo.Difference(target, owned)
	keep := lo.Intersect(owned, target)
	slices.Sort(release)
	slices.Sort(acquire)
	slices.Sort(keep)
	return Plan{Release: release, Acquire: acquire, Keep: keep}
}

// Empty reports whether the plan moves nothing.
func (p Plan) Empty() bool { return len(p.Release) == 0 && len(p.Acquire) == 0 }

// FairShare is the most partitions any member owns under a balanced split.
func FairShare(members, partitions int) int {
	if members <= 0 {
		return 0
	}
	return (partitions + members - 1) / members
}

// ByName resolves a strategy from configuration. The empty name is round robin.
func ByName(name string) (Strategy, error) {
	switch name {
	case "", RoundRobinName:
		return NewRoundRobin(), nil
	case ConsistentHashName:
		return NewConsistentHash(), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}
}

func normalize(members []string) []string {
	out := lo.Uniq(lo.Compact(members))
	slices.Sort(out)
	return out
}
