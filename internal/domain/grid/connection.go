package grid

import "fmt"

// Connection is a directed, typed edge that carries one tick's reservation.
// The origin node owns it; origin and target are slot indices in the grid.
type Connection struct {
	grid         *Grid
	index        int
	origin       int
	target       int
	resourceType string

	requested float64
	granted   float64
	locked    bool
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection(%s: %s -> %s)", c.resourceType, c.Origin().id, c.Target().id)
}

func (c *Connection) Origin() *Node { return c.grid.node(c.origin) }
func (c *Connection) Target() *Node { return c.grid.node(c.target) }
func (c *Connection) ResourceType() string { return c.resourceType }
func (c *Connection) RequestedAmount() float64 { return c.requested }
func (c *Connection) GrantedAmount() float64 { return c.granted }
func (c *Connection) Locked() bool { return c.locked }

// ReserveResource requests amount from the origin. The grant is whatever the
// origin says it could supply right now, never more than requested. A locked
// connection keeps its current reservation.
func (c *Connection) ReserveResource(amount float64) {
	if c.locked {
		return
	}
	if amount < 0 {
		amount = 0
	}
	c.requested = amount
	// Drop our own grant first so the origin does not count it as promised.
	c.granted = 0
	supply := c.Origin().PreGiveResource(c.resourceType, amount)
	c.granted = clamp(supply, 0, amount)
}

// IsReservationSatisfied reports whether the origin granted the full request.
func (c *Connection) IsReservationSatisfied() bool {
	return c.granted >= c.requested
}

// ReservationDeficiency is the part of the request the origin could not grant.
func (c *Connection) ReservationDeficiency() float64 {
	if d := c.requested - c.granted; d > 0 {
		return d
	}
	return 0
}

// Lock settles the connection for the rest of the tick.
func (c *Connection) Lock() {
	c.locked = true
}

// Reset clears the reservation for the next tick.
func (c *Connection) Reset() {
	c.requested = 0
	c.granted = 0
	c.locked = false
}
