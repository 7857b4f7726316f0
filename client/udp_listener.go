package wclient

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	wshare "github.com/warren-net/warren/share"
)

// udpAssocIdle is how long a datagram association with no traffic survives.
const udpAssocIdle = 2 * time.Minute

// udpForwarder maps each local source address to its own UDP logical
// stream, so replies find their way back to the right sender.
type udpForwarder struct {
	wshare.Logger
	c      *Client
	f      *Forward
	pc     *net.UDPConn
	mu     sync.Mutex
	assocs map[string]*udpAssoc
	closed bool
}

type udpAssoc struct {
	st       *wshare.Stream
	src      *net.UDPAddr
	lastSeen time.Time
}

// startUDPForward listens for datagrams on f.LocalAddr and tunnels each
// source address as one UDP association.
func (c *Client) startUDPForward(ctx context.Context, f *Forward) error {
	addr, err := net.ResolveUDPAddr("udp", f.LocalAddr)
	if err != nil {
		return c.Errorf("bad UDP listen address %s: %s", f.LocalAddr, err)
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return c.Errorf("cannot listen on udp %s: %s", f.LocalAddr, err)
	}
	u := &udpForwarder{
		Logger: c.Fork("udp(%s)", f.LocalAddr),
		c:      c,
		f:      f,
		pc:     pc,
		assocs: make(map[string]*udpAssoc),
	}
	c.addCloser(u)
	c.ILogf("forwarding %s", f)
	go u.readLoop(ctx)
	go u.reapLoop(ctx)
	return nil
}

func (u *udpForwarder) readLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		n, src, err := u.pc.ReadFromUDP(buf)
		if err != nil {
			if !u.c.IsStartedShutdown() {
				u.WLogf("udp read failed: %s", err)
			}
			return
		}
		a, err := u.assoc(ctx, src)
		if err != nil {
			u.DLogf("association for %s failed: %s", src, err)
			continue
		}
		if err := a.st.WriteDatagram(buf[:n]); err != nil {
			u.drop(src.String())
		}
	}
}

// assoc finds or creates the stream carrying datagrams for src.
func (u *udpForwarder) assoc(ctx context.Context, src *net.UDPAddr) (*udpAssoc, error) {
	key := src.String()
	u.mu.Lock()
	if a, ok := u.assocs[key]; ok {
		a.lastSeen = time.Now()
		u.mu.Unlock()
		return a, nil
	}
	u.mu.Unlock()

	st, err := u.c.OpenTunnel(ctx, &wshare.TunnelRequest{
		Host:       u.f.Host,
		Port:       u.f.Port,
		Kind:       wshare.TransportUDP,
		ClientAddr: key,
	})
	if err != nil {
		return nil, err
	}
	a := &udpAssoc{st: st, src: src, lastSeen: time.Now()}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		st.Close()
		return nil, io.ErrClosedPipe
	}
	u.assocs[key] = a
	u.mu.Unlock()
	go u.downLoop(a)
	return a, nil
}

// downLoop relays tunneled datagrams back to the association's source.
func (u *udpForwarder) downLoop(a *udpAssoc) {
	for {
		dg, err := a.st.ReadDatagram()
		if err != nil {
			u.drop(a.src.String())
			return
		}
		if _, err := u.pc.WriteToUDP(dg, a.src); err != nil {
			u.drop(a.src.String())
			return
		}
	}
}

func (u *udpForwarder) drop(key string) {
	u.mu.Lock()
	a, ok := u.assocs[key]
	if ok {
		delete(u.assocs, key)
	}
	u.mu.Unlock()
	if ok {
		a.st.Close()
	}
}

// reapLoop expires idle associations.
func (u *udpForwarder) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(udpAssocIdle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-udpAssocIdle)
			u.mu.Lock()
			var stale []*udpAssoc
			for key, a := range u.assocs {
				if a.lastSeen.Before(cutoff) {
					stale = append(stale, a)
					delete(u.assocs, key)
				}
			}
			u.mu.Unlock()
			for _, a := range stale {
				a.st.Close()
			}
		case <-ctx.Done():
			return
		case <-u.c.ShutdownStartedChan():
			return
		}
	}
}

// Close tears down the listener and every association.
func (u *udpForwarder) Close() error {
	u.mu.Lock()
	u.closed = true
	assocs := u.assocs
	u.assocs = make(map[string]*udpAssoc)
	u.mu.Unlock()
	for _, a := range assocs {
		a.st.Close()
	}
	return u.pc.Close()
}
