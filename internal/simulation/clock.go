package simulation

// Clock is the virtual clock: integer milliseconds, starts at 0,
// advanced only by Simulator.Tick.
type Clock struct {
	t int64
}

// Now returns the current virtual time in milliseconds. Satisfies
// internal/network.Clock.
func (c *Clock) Now() int64 { return c.t }

func (c *Clock) advance(dt int64) { c.t += dt }

func (c *Clock) reset() { c.t = 0 }
