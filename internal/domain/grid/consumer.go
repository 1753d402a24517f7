package grid

// Consumer is a load with a fixed demand per resource type. Everything it
// receives is consumed and turned into heat.
type Consumer struct {
	Neutral

	Demand      map[string]float64
	HeatPerUnit float64

	consumed float64
}

func NewConsumer(demand map[string]float64, heatPerUnit float64) *Consumer {
	return &Consumer{Demand: demand, HeatPerUnit: heatPerUnit}
}

func (c *Consumer) Attach(n *Node) {
	for resourceType, amount := range c.Demand {
		n.SetRequiredPerTick(resourceType, amount)
	}
}

func (c *Consumer) PreGetResource(_ *Node, resourceType string, amount float64) float64 {
	return clamp(amount, 0, c.Demand[resourceType])
}

func (c *Consumer) GetResource(_ *Node, resourceType string, amount float64) float64 {
	return clamp(amount, 0, c.Demand[resourceType])
}

func (c *Consumer) Update(n *Node) {
	c.consumed = 0
	for resourceType, amount := range n.received {
		c.consumed += n.GetResource(resourceType, amount)
	}
	if c.HeatPerUnit != 0 {
		n.AddHeat(c.consumed * c.HeatPerUnit)
	}
}

// AdditionalProperties reports what was consumed last tick and the share of
// total demand that was met.
func (c *Consumer) AdditionalProperties(*Node) map[string]float64 {
	demand := 0.0
	for _, amount := range c.Demand {
		demand += amount
	}
	satisfaction := 1.0
	if demand > 0 {
		satisfaction = c.consumed / demand
	}
	return map[string]float64{
		"consumed":     c.consumed,
		"satisfaction": satisfaction,
	}
}
