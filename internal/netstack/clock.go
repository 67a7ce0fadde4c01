package netstack

// Clock returns monotonic milliseconds. Every timeout in this package is
// measured against an injected Clock rather than a hardware timer, which is
// what lets tests drive time-bounded operations with a fake.
type Clock func() int64

// Yield is an optional hint invoked between iterations of a polling wait.
// Nil is valid and means "spin".
type Yield func()

func (y Yield) call() {
	if y != nil {
		y()
	}
}

// deadline tracks one timeout window against a Clock.
type deadline struct {
	clock Clock
	until int64
}

func newDeadline(clock Clock, timeoutMS int64) deadline {
	return deadline{clock: clock, until: clock() + timeoutMS}
}

func (d deadline) expired() bool {
	return d.clock() > d.until
}
