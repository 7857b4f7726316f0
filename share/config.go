package wshare

import (
	"fmt"
	"time"
)

// TunnelConfig carries the validated knobs consumed by the core. It is built
// by whatever loads configuration (CLI flags, file) and is never reparsed
// here.
type TunnelConfig struct {
	// MaxFrameLength is the largest frame payload accepted on the wire.
	// Oversized frames are rejected before any payload allocation and kill
	// the session. It is announced to the peer at the handshake so the peer
	// sizes its outbound frames within it; both sides may configure it
	// independently.
	MaxFrameLength int

	// RecvWindow is the per-stream inbound buffer size in bytes. It is also
	// the flow-control credit initially granted to the peer for each stream,
	// advertised in the tunnel request so the peer never sends past it.
	RecvWindow int

	// UDPRingSize is the number of datagrams buffered per UDP stream. On
	// overflow the oldest buffered datagram is discarded.
	UDPRingSize int

	// MaxStreams caps the concurrent logical streams per session. When a
	// session is full the pool opens another physical connection.
	MaxStreams int

	// KeepAlive is the interval between keepalive pings on an idle
	// transport. Zero disables keepalive.
	KeepAlive time.Duration

	// MissedPongBudget is how many consecutive pings may go unanswered
	// before the session is declared dead.
	MissedPongBudget int

	// WriteQueueLen is the capacity of a session's outbound frame queue.
	WriteQueueLen int

	// DrainGrace is how long in-flight streams get to finish when a session
	// or pool is asked to shut down gracefully.
	DrainGrace time.Duration
}

// DefaultTunnelConfig returns a TunnelConfig with production defaults.
func DefaultTunnelConfig() *TunnelConfig {
	return &TunnelConfig{
		MaxFrameLength:   64 * 1024,
		RecvWindow:       256 * 1024,
		UDPRingSize:      64,
		MaxStreams:       100,
		KeepAlive:        25 * time.Second,
		MissedPongBudget: 3,
		WriteQueueLen:    64,
		DrainGrace:       10 * time.Second,
	}
}

// Validate checks internal consistency of the configuration.
func (c *TunnelConfig) Validate() error {
	if c.MaxFrameLength <= 0 {
		return fmt.Errorf("MaxFrameLength must be positive, got %d", c.MaxFrameLength)
	}
	if c.RecvWindow < c.MaxFrameLength {
		return fmt.Errorf("RecvWindow (%d) must be at least MaxFrameLength (%d)", c.RecvWindow, c.MaxFrameLength)
	}
	if c.UDPRingSize <= 0 {
		return fmt.Errorf("UDPRingSize must be positive, got %d", c.UDPRingSize)
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("MaxStreams must be positive, got %d", c.MaxStreams)
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("KeepAlive must not be negative")
	}
	if c.MissedPongBudget <= 0 {
		return fmt.Errorf("MissedPongBudget must be positive, got %d", c.MissedPongBudget)
	}
	if c.WriteQueueLen <= 0 {
		return fmt.Errorf("WriteQueueLen must be positive, got %d", c.WriteQueueLen)
	}
	return nil
}

// PoolConfig carries the validated knobs for the connection pool.
type PoolConfig struct {
	// MaxConns is the upper bound on concurrently held physical connections.
	MaxConns int

	// AcquireTimeout bounds how long Acquire may wait for a usable session
	// before failing with ErrPoolExhausted.
	AcquireTimeout time.Duration

	// BackoffMin and BackoffMax bound the exponential backoff applied to a
	// pool slot after consecutive dial failures.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// HealthInterval is how often the pool sweeps its entries for dead
	// sessions.
	HealthInterval time.Duration
}

// DefaultPoolConfig returns a PoolConfig with production defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConns:       4,
		AcquireTimeout: 30 * time.Second,
		BackoffMin:     500 * time.Millisecond,
		BackoffMax:     1 * time.Minute,
		HealthInterval: 5 * time.Second,
	}
}

// Validate checks internal consistency of the configuration.
func (c *PoolConfig) Validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("MaxConns must be positive, got %d", c.MaxConns)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("AcquireTimeout must be positive")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff bounds invalid: min=%s max=%s", c.BackoffMin, c.BackoffMax)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("HealthInterval must be positive")
	}
	return nil
}
