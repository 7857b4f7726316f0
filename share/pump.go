package wshare

import (
	"context"
	"io"
	"sync"

	"github.com/jpillora/sizestr"
)

// Pump bridges one logical stream to one concrete socket, copying both
// directions concurrently until each reaches end-of-stream or errors. At
// most one pump runs per stream.
//
// TCP semantics: end-of-input on the socket half-closes the stream locally
// and keeps draining the remote direction; a remote close shuts down only
// the write half of the socket when it supports half-close. UDP has no
// half-close, so either side ending tears the whole pump down.
type Pump struct {
	Logger
	st   *Stream
	conn io.ReadWriteCloser

	sent  int64
	recvd int64
}

// NewPump creates a pump bridging st and conn. conn is the local accepted
// socket on the client side, or the dialed destination socket on the server
// side.
func NewPump(logger Logger, st *Stream, conn io.ReadWriteCloser) *Pump {
	return &Pump{
		Logger: logger.Fork("pump#%d", st.ID()),
		st:     st,
		conn:   conn,
	}
}

// Run copies until both directions are finished, then returns the bytes
// relayed in each direction (local-to-remote, remote-to-local) and the first
// I/O error that was not a plain end-of-stream. Cancelling ctx force-closes
// both ends.
func (p *Pump) Run(ctx context.Context) (sent int64, recvd int64, err error) {
	if p.st.Kind() == TransportUDP {
		return p.runUDP(ctx)
	}
	return p.runTCP(ctx)
}

func (p *Pump) runTCP(ctx context.Context) (int64, int64, error) {
	var wg sync.WaitGroup
	var upErr, downErr error

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.st.Close()
			p.conn.Close()
		case <-stop:
		}
	}()

	wg.Add(2)
	// local socket -> stream
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := p.conn.Read(buf)
			if n > 0 {
				p.sent += int64(n)
				if _, werr := p.st.Write(buf[:n]); werr != nil {
					upErr = werr
					p.conn.Close()
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					upErr = rerr
					p.st.Close()
				} else {
					// Local end-of-input: half-close toward the remote and
					// let the other direction keep draining.
					p.st.CloseWrite()
				}
				return
			}
		}
	}()
	// stream -> local socket
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := p.st.Read(buf)
			if n > 0 {
				p.recvd += int64(n)
				if _, werr := p.conn.Write(buf[:n]); werr != nil {
					downErr = werr
					p.st.Close()
					return
				}
			}
			if rerr != nil {
				if rerr == io.EOF {
					// Remote finished; shut down only our write half if the
					// socket knows how, so local-to-remote data still flows.
					if hc, ok := p.conn.(WriteHalfCloser); ok {
						hc.CloseWrite()
					} else {
						p.conn.Close()
					}
				} else {
					downErr = rerr
					p.conn.Close()
				}
				return
			}
		}
	}()
	wg.Wait()
	close(stop)

	err := upErr
	if err == nil {
		err = downErr
	}
	p.finishLog(err)
	return p.sent, p.recvd, err
}

func (p *Pump) runUDP(ctx context.Context) (int64, int64, error) {
	var wg sync.WaitGroup
	var upErr, downErr error

	// No half-close for datagrams: the first direction to end (or ctx
	// cancellation) takes the whole pump down.
	firstDone := make(chan struct{})
	var firstOnce sync.Once
	endPump := func() {
		firstOnce.Do(func() { close(firstDone) })
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-firstDone:
		case <-stop:
		}
		p.st.Close()
		p.conn.Close()
	}()

	wg.Add(2)
	// local socket -> stream, one datagram per read
	go func() {
		defer wg.Done()
		defer endPump()
		buf := make([]byte, 64*1024)
		for {
			n, rerr := p.conn.Read(buf)
			if n > 0 {
				p.sent += int64(n)
				if werr := p.st.WriteDatagram(buf[:n]); werr != nil {
					upErr = werr
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					upErr = rerr
				}
				return
			}
		}
	}()
	// stream -> local socket, one write per datagram
	go func() {
		defer wg.Done()
		defer endPump()
		for {
			dg, rerr := p.st.ReadDatagram()
			if rerr != nil {
				if rerr != io.EOF {
					downErr = rerr
				}
				return
			}
			p.recvd += int64(len(dg))
			if _, werr := p.conn.Write(dg); werr != nil {
				downErr = werr
				return
			}
		}
	}()
	wg.Wait()
	close(stop)

	err := upErr
	if err == nil {
		err = downErr
	}
	p.finishLog(err)
	return p.sent, p.recvd, err
}

func (p *Pump) finishLog(err error) {
	if err != nil {
		p.DLogf("done with error after sent %s recvd %s: %s",
			sizestr.ToString(p.sent), sizestr.ToString(p.recvd), err)
	} else {
		p.DLogf("done, sent %s recvd %s",
			sizestr.ToString(p.sent), sizestr.ToString(p.recvd))
	}
}
