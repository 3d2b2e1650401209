package rebalance

import (
	"sync"
)

// State is a position in the executor ownership state machine.
type State int32

const (
	Joining State = iota
	Claiming
	Owning
	Releasing
	Left
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Claiming:
		return "claiming"
	case Owning:
		return "owning"
	case Releasing:
		return "releasing"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// valid lists the transitions the machine accepts.
var valid = map[State][]State{
	Joining:   {Claiming, Releasing},
	Claiming:  {Owning, Claiming, Releasing},
	Owning:    {Claiming, Releasing},
	Releasing: {Left},
}

func canTransition(from, to State) bool {
	for _, s := range valid[from] {
		if s == to {
			return true
		}
	}
	return false
}

type subscriber struct {
	ch     chan State
	mu     sync.Mutex
	closed bool
}

// send never blocks; a slow subscriber misses intermediate states.
func (s *subscriber) send(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- st:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
