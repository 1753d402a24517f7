package grid

// Battery stores one resource type. It charges from its incoming connections
// and discharges onto its outgoing ones, both limited by a per-tick rate.
type Battery struct {
	ResourceType  string
	Capacity      float64
	ChargeRate    float64
	DischargeRate float64

	stored float64
}

// NewBattery creates a battery holding stored units out of capacity.
func NewBattery(resourceType string, capacity, stored, chargeRate, dischargeRate float64) *Battery {
	return &Battery{
		ResourceType:  resourceType,
		Capacity:      capacity,
		ChargeRate:    chargeRate,
		DischargeRate: dischargeRate,
		stored:        clamp(stored, 0, capacity),
	}
}

func (b *Battery) AmountStored() float64 { return b.stored }

// Attach seeds the first tick's charging demand.
func (b *Battery) Attach(n *Node) {
	b.updateDemand(n)
}

func (b *Battery) PreGetResource(_ *Node, resourceType string, amount float64) float64 {
	if resourceType != b.ResourceType {
		return 0
	}
	return clamp(amount, 0, min(b.Capacity-b.stored, b.ChargeRate))
}

func (b *Battery) PreGiveResource(n *Node, resourceType string, amount float64) float64 {
	if resourceType != b.ResourceType {
		return 0
	}
	available := min(b.stored, b.DischargeRate) - promisedElsewhere(n, resourceType)
	return clamp(available, 0, amount)
}

func (b *Battery) GetResource(_ *Node, resourceType string, amount float64) float64 {
	if resourceType != b.ResourceType {
		return 0
	}
	taken := clamp(amount, 0, b.Capacity-b.stored)
	b.stored += taken
	return taken
}

func (b *Battery) GiveResource(_ *Node, resourceType string, amount float64) float64 {
	if resourceType != b.ResourceType {
		return 0
	}
	given := clamp(amount, 0, b.stored)
	b.stored -= given
	return given
}

func (b *Battery) Update(n *Node) {
	given := 0.0
	for _, c := range n.OutgoingConnectionsByType(b.ResourceType) {
		given += n.GiveResource(b.ResourceType, c.granted)
	}
	n.GetResource(b.ResourceType, n.received[b.ResourceType])
	if given > 0 {
		n.RecordProduced(b.ResourceType, given)
	}
	b.updateDemand(n)
}

func (b *Battery) AdditionalProperties(*Node) map[string]float64 {
	return map[string]float64{"amount_stored": b.stored}
}

func (b *Battery) updateDemand(n *Node) {
	n.SetRequiredPerTick(b.ResourceType, min(b.ChargeRate, b.Capacity-b.stored))
}
