package assign

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// ConsistentHashName identifies the ring-based strategy.
const ConsistentHashName = "consistent_hash"

// ConsistentHash places members on an xxh3 ring with virtual nodes and walks
// clockwise from each partition's hash to the first member under its fair
// share. Membership changes move fewer partitions than round robin.
type ConsistentHash struct {
	virtualNodes int
	seed         uint64
}

// ConsistentHashOption configures a ConsistentHash.
type ConsistentHashOption func(*ConsistentHash)

// WithVirtualNodes sets the number of ring positions per member (default 64).
func WithVirtualNodes(n int) ConsistentHashOption {
	return func(c *ConsistentHash) {
		if n > 0 {
			c.virtualNodes = n
		}
	}
}

// WithHashSeed seeds the ring hash.
func WithHashSeed(seed uint64) ConsistentHashOption {
	return func(c *ConsistentHash) { c.seed = seed }
}

// NewConsistentHash builds the strategy.
func NewConsistentHash(opts ...ConsistentHashOption) *ConsistentHash {
	c := &ConsistentHash{virtualNodes: 64}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (*ConsistentHash) Name() string { return ConsistentHashName }

type vnode struct {
	hash   uint64
	member int
}

func (c *ConsistentHash) Assign(members []string, partitions int) (map[string][]int, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	ring := make([]vnode, 0, len(members)*c.virtualNodes)
	for i, m := range members {
		base := xxh3.HashStringSeed(m, c.seed)
		var ib [8]byte
		for v := 0; v < c.virtualNodes; v++ {
			binary.LittleEndian.PutUint64(ib[:], uint64(v))
			ring = append(ring, vnode{hash: xxh3.HashSeed(ib[:], base), member: i})
		}
	}
	slices.SortFunc(ring, func(a, b vnode) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		default:
			return a.member - b.member
		}
	})

	capacity := FairShare(len(members), partitions)
	counts := make([]int, len(members))
	out := make(map[string][]int, len(members))
	for _, m := range members {
		out[m] = []int{}
	}
	var pb [8]byte
	for p := 0; p < partitions; p++ {
		binary.BigEndian.PutUint64(pb[:], uint64(p))
		h := xxh3.HashSeed(pb[:], c.seed)
		start, _ := slices.BinarySearchFunc(ring, h, func(n vnode, t uint64) int {
			switch {
			case n.hash < t:
				return -1
			case n.hash > t:
				return 1
			default:
				return 0
			}
		})
		for i := 0; i < len(ring); i++ {
			n := ring[(start+i)%len(ring)]
			if counts[n.member] < capacity {
				counts[n.member]++
				out[members[n.member]] = append(out[members[n.member]], p)
				break
			}
		}
	}
	return out, nil
}
