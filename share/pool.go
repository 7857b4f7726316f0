package wshare

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// DialFunc establishes one physical connection: TLS, HTTP upgrade, handshake
// — all of it — and returns a live Session. When req is non-nil the dial was
// initiated on behalf of that tunnel request; the dialer encodes it into the
// upgrade request, and on success returns the stream the HTTP response
// admitted. When req is nil (health-driven replacement dials) the bound
// stream is nil.
type DialFunc func(ctx context.Context, req *TunnelRequest) (*Session, *Stream, error)

// poolEntry is one slot in the pool. A slot whose session died keeps its
// failure history: the replacement dial for that slot backs off
// exponentially. Entries are replaced, not mutated, when a session dies.
type poolEntry struct {
	sess     *Session // nil while the slot has no live session
	pending  bool     // a dial for this slot is in flight
	created  time.Time
	failures int
	nextDial time.Time
	b        *backoff.Backoff
}

// Pool maintains a bounded set of physical transport connections and hands
// out sessions to route new logical streams through. It creates connections
// on demand, health-checks them, evicts the dead, and backs off dialing an
// unreachable server.
type Pool struct {
	Logger
	cfg  *PoolConfig
	tcfg *TunnelConfig
	dial DialFunc

	mu      sync.Mutex
	entries []*poolEntry
	closed  bool
	change  chan struct{} // closed and replaced on every state change

	doneCh chan struct{}
}

// NewPool creates a pool that dials with dial. The pool starts empty;
// connections appear on first acquisition.
func NewPool(logger Logger, cfg *PoolConfig, tcfg *TunnelConfig, dial DialFunc) *Pool {
	p := &Pool{
		Logger: logger.Fork("pool"),
		cfg:    cfg,
		tcfg:   tcfg,
		dial:   dial,
		change: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.healthLoop()
	return p
}

// notifyLocked wakes every waiter blocked in Acquire. Callers hold p.mu.
func (p *Pool) notifyLocked() {
	close(p.change)
	p.change = make(chan struct{})
}

// evictDeadLocked drops sessions that died since the last sweep, keeping the
// slot (and its backoff state) for a replacement dial. Callers hold p.mu.
func (p *Pool) evictDeadLocked() {
	for _, e := range p.entries {
		if e.sess != nil && e.sess.State() == SessionDead {
			p.DLogf("evicting dead session: %v", e.sess.Err())
			e.sess = nil
		}
	}
}

// Acquire returns a session with spare stream capacity, dialing a new
// physical connection when none has any. It blocks until one is available,
// the configured acquire timeout lapses (ErrPoolExhausted), or ctx is done.
// The returned stream is non-nil only when a fresh connection was dialed for
// req and the HTTP handshake itself admitted it.
//
// A dead session is never handed out.
func (p *Pool) Acquire(ctx context.Context, req *TunnelRequest) (*Session, *Stream, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, ErrPoolExhausted
		}
		p.evictDeadLocked()

		// Prefer reusing an active session with room.
		for _, e := range p.entries {
			if e.sess != nil && e.sess.CanAcquire() {
				sess := e.sess
				p.mu.Unlock()
				return sess, nil, nil
			}
		}

		// Find or create a slot we are allowed to dial for.
		entry := p.dialableSlotLocked()
		if entry != nil {
			entry.pending = true
			p.mu.Unlock()

			sess, st, err := p.dialSlot(ctx, entry, req)
			if err == nil {
				return sess, st, nil
			}
			var hr *HandshakeRejected
			if errors.As(err, &hr) {
				// A rejection is an answer, not an outage: redialing
				// would just be rejected again. Surface it to the
				// requester.
				return nil, nil, err
			}
			// Dial failed; fall through and wait out the backoff (or
			// grab capacity another waiter released).
		} else {
			p.mu.Unlock()
		}

		waitCh := p.changeChan()
		var timer *time.Timer
		var timeout <-chan time.Time
		wait := time.Until(deadline)
		if next := p.nextDialTime(); !next.IsZero() {
			if d := time.Until(next); d > 0 && d < wait {
				wait = d
			}
		}
		if wait <= 0 {
			return nil, nil, ErrPoolExhausted
		}
		timer = time.NewTimer(wait)
		timeout = timer.C
		select {
		case <-waitCh:
			timer.Stop()
		case <-timeout:
			if time.Now().After(deadline) {
				return nil, nil, ErrPoolExhausted
			}
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-p.doneCh:
			timer.Stop()
			return nil, nil, ErrPoolExhausted
		}
	}
}

// dialableSlotLocked returns a slot that may be dialed right now, creating a
// new one if the pool is under its ceiling. Callers hold p.mu.
func (p *Pool) dialableSlotLocked() *poolEntry {
	now := time.Now()
	for _, e := range p.entries {
		if e.sess == nil && !e.pending && !now.Before(e.nextDial) {
			return e
		}
	}
	if len(p.entries) < p.cfg.MaxConns {
		e := &poolEntry{
			b: &backoff.Backoff{
				Min:    p.cfg.BackoffMin,
				Max:    p.cfg.BackoffMax,
				Jitter: true,
			},
		}
		p.entries = append(p.entries, e)
		return e
	}
	return nil
}

// dialSlot performs the dial for a slot marked pending and publishes the
// result.
func (p *Pool) dialSlot(ctx context.Context, entry *poolEntry, req *TunnelRequest) (*Session, *Stream, error) {
	sess, st, err := p.dial(ctx, req)

	p.mu.Lock()
	entry.pending = false
	if err != nil {
		entry.failures++
		d := entry.b.Duration()
		entry.nextDial = time.Now().Add(d)
		p.notifyLocked()
		p.mu.Unlock()
		MetricDialFailures.Inc()
		p.DLogf("dial failed (attempt %d, next in %s): %s", entry.failures, d, err)
		return nil, nil, err
	}
	if p.closed {
		p.mu.Unlock()
		sess.Close()
		return nil, nil, ErrPoolExhausted
	}
	entry.sess = sess
	entry.created = time.Now()
	entry.failures = 0
	entry.b.Reset()
	p.notifyLocked()
	p.mu.Unlock()
	p.DLogf("connection established (%d in pool)", p.NumSessions())
	return sess, st, nil
}

func (p *Pool) changeChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.change
}

// nextDialTime returns the earliest moment any empty slot may be redialed,
// or the zero time when nothing is waiting on backoff.
func (p *Pool) nextDialTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	var next time.Time
	for _, e := range p.entries {
		if e.sess == nil && !e.pending {
			if next.IsZero() || e.nextDial.Before(next) {
				next = e.nextDial
			}
		}
	}
	return next
}

// NumSessions returns the number of live sessions currently held.
func (p *Pool) NumSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.sess != nil {
			n++
		}
	}
	return n
}

// healthLoop periodically sweeps for dead sessions so eviction does not have
// to wait for the next acquisition.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			before := 0
			for _, e := range p.entries {
				if e.sess != nil {
					before++
				}
			}
			p.evictDeadLocked()
			after := 0
			for _, e := range p.entries {
				if e.sess != nil {
					after++
				}
			}
			if after != before {
				p.notifyLocked()
			}
			p.mu.Unlock()
		case <-p.doneCh:
			return
		}
	}
}

// Shutdown stops admitting acquisitions, drains every session, and after the
// grace period force-closes whatever is left.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.entries))
	for _, e := range p.entries {
		if e.sess != nil {
			sessions = append(sessions, e.sess)
		}
		e.sess = nil
	}
	p.entries = nil
	p.notifyLocked()
	p.mu.Unlock()
	close(p.doneCh)

	for _, sess := range sessions {
		sess.Drain()
	}
	if grace > 0 {
		graceDeadline := time.Now().Add(grace)
		for _, sess := range sessions {
			remaining := time.Until(graceDeadline)
			if remaining <= 0 {
				break
			}
			t := time.NewTimer(remaining)
			select {
			case <-sess.DoneChan():
			case <-t.C:
			}
			t.Stop()
		}
	}
	for _, sess := range sessions {
		sess.Close()
	}
	p.DLogf("pool shut down (%d sessions closed)", len(sessions))
}
