package assign

// RoundRobinName identifies the rank-ordered round robin strategy.
const RoundRobinName = "round_robin"

// RoundRobin gives partition p to members[p mod N].
//
// Members are executor ids, which are time-ordered, so ranks follow join
// order and a newcomer takes partitions from the tail of each cycle.
type RoundRobin struct{}

// NewRoundRobin returns the default strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (*RoundRobin) Name() string { return RoundRobinName }

func (*RoundRobin) Assign(members []string, partitions int) (map[string][]int, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	out := make(map[string][]int, len(members))
	for _, m := range members {
		out[m] = []int{}
	}
	for p := 0; p < partitions; p++ {
		m := members[p%len(members)]
		out[m] = append(out[m], p)
	}
	return out, nil
}
