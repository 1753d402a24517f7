package grid

// Generator produces a fixed amount of one resource type every tick and pushes
// it onto its outgoing connections of that type. The amount is scaled by the
// node's "output" modifiers.
type Generator struct {
	Neutral

	ResourceType string
	Amount       float64

	stock float64
}

// NewGenerator creates a generator of amount units of resourceType per tick.
func NewGenerator(resourceType string, amount float64) *Generator {
	return &Generator{ResourceType: resourceType, Amount: amount}
}

// Output is the effective production per tick on n.
func (g *Generator) Output(n *Node) float64 {
	return n.PropertyValue("output", g.Amount)
}

func (g *Generator) PreGiveResource(n *Node, resourceType string, amount float64) float64 {
	if resourceType != g.ResourceType {
		return 0
	}
	return clamp(g.Output(n)-promisedElsewhere(n, resourceType), 0, amount)
}

func (g *Generator) GiveResource(_ *Node, resourceType string, amount float64) float64 {
	if resourceType != g.ResourceType {
		return 0
	}
	given := clamp(amount, 0, g.stock)
	g.stock -= given
	return given
}

func (g *Generator) Update(n *Node) {
	output := g.Output(n)
	g.stock = output
	for _, c := range n.OutgoingConnectionsByType(g.ResourceType) {
		n.GiveResource(g.ResourceType, c.granted)
	}
	n.RecordProduced(g.ResourceType, max(output-g.stock, 0))
}
