package grid

// Observer receives the node that emitted a lifecycle notification.
type Observer func(n *Node)

// Signal is a per-node subscriber list. Emission is synchronous and follows
// subscription order.
type Signal struct {
	subscribers []Observer
}

// Connect subscribes fn to the signal.
func (s *Signal) Connect(fn Observer) {
	if fn == nil {
		return
	}
	s.subscribers = append(s.subscribers, fn)
}

// Len returns the number of subscribers.
func (s *Signal) Len() int {
	return len(s.subscribers)
}

func (s *Signal) emit(n *Node) {
	for _, fn := range s.subscribers {
		fn(n)
	}
}
