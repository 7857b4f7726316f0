package wshare

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats keeps both the currently-open and the total connection counts
// for an entity, plus the bytes relayed through it.
type ConnStats struct {
	count int32
	open  int32
	sent  int64
	recvd int64
}

// New adds one to the total connection count and returns the new total,
// usable as a connection serial number.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// AddSent accumulates bytes relayed toward the remote side.
func (c *ConnStats) AddSent(n int64) {
	atomic.AddInt64(&c.sent, n)
}

// AddRecvd accumulates bytes relayed toward the local side.
func (c *ConnStats) AddRecvd(n int64) {
	atomic.AddInt64(&c.recvd, n)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d sent %s recvd %s]",
		atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count),
		sizestr.ToString(atomic.LoadInt64(&c.sent)),
		sizestr.ToString(atomic.LoadInt64(&c.recvd)))
}
