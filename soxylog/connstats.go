package soxylog

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both the currently open and the lifetime total
// count of some countable entity (clients of a service, accepted sockets).
type ConnStats struct {
	total int32
	open  int32
}

// New records a new instance, incrementing the lifetime total.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.total, 1)
}

// Open marks one more instance as currently active.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close marks one instance as no longer active.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.total))
}
