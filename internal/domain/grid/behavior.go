package grid

// Behavior is the capability set every node kind implements. The grid calls
// it to learn how much a node could supply or absorb and to let the node run
// its own production or consumption once the reservations are committed.
type Behavior interface {
	// PreGetResource reports how much of amount the node could accept right now.
	// It must not mutate state.
	PreGetResource(n *Node, resourceType string, amount float64) float64
	// PreGiveResource reports how much of amount the node could supply right now.
	// It must not mutate state.
	PreGiveResource(n *Node, resourceType string, amount float64) float64
	// GetResource accepts up to amount and returns what was taken.
	GetResource(n *Node, resourceType string, amount float64) float64
	// GiveResource deducts up to amount from stock and returns what was given.
	GiveResource(n *Node, resourceType string, amount float64) float64
	// Update runs node specific production or consumption after the base
	// update has committed this tick's received amounts.
	Update(n *Node)
}

// Attacher is implemented by behaviors that seed node state on registration,
// typically the initial demand.
type Attacher interface {
	Attach(n *Node)
}

// Reporter is implemented by behaviors that expose extra numeric properties
// for status and history.
type Reporter interface {
	AdditionalProperties(n *Node) map[string]float64
}

// Neutral neither supplies nor accepts anything.
type Neutral struct{}

func (Neutral) PreGetResource(*Node, string, float64) float64 { return 0 }
func (Neutral) PreGiveResource(*Node, string, float64) float64 { return 0 }
func (Neutral) GetResource(*Node, string, float64) float64 { return 0 }
func (Neutral) GiveResource(*Node, string, float64) float64 { return 0 }
func (Neutral) Update(*Node) {}

// promisedElsewhere sums the grants currently held by n's outgoing
// connections of resourceType.
func promisedElsewhere(n *Node, resourceType string) float64 {
	total := 0.0
	for _, c := range n.OutgoingConnectionsByType(resourceType) {
		total += c.granted
	}
	return total
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
