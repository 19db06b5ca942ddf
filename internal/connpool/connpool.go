// Package connpool implements the per-(backend kind, server index)
// connection pool: a FIFO queue of idle connections plus a capacity
// counter, with a PING handshake on first dial. Pool.Monitor
// optionally re-pings idle connections on a ticker and evicts the ones
// that stopped answering, so a long-idle pool does not hand out dead
// sockets after a server restart.
package connpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juleago/julea/internal/message"
)

// Dialer opens a new connection to addr. Production code uses a
// net.Dialer; tests substitute an in-memory net.Pipe dialer.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// NetDialer returns a Dialer backed by net.Dialer with TCP_NODELAY set
// on every dialed connection.
func NetDialer() Dialer {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		return conn, nil
	}
}

// perServer holds one (kind, server_index) pair's idle queue and
// outstanding counter.
type perServer struct {
	idle     []net.Conn
	outCount int
}

// Pool is a connection pool for one backend kind, with independent
// capacity per server index.
type Pool struct {
	kind    message.Kind
	addrs   []string
	maxConn int
	dial    Dialer

	mu      sync.Mutex
	cond    *sync.Cond
	servers []*perServer
	closed  bool
}

// New returns a pool for kind, dialing addrs[i] for server index i, and
// capping outstanding connections per server at maxConn.
func New(kind message.Kind, addrs []string, maxConn int, dial Dialer) *Pool {
	p := &Pool{
		kind:    kind,
		addrs:   addrs,
		maxConn: maxConn,
		dial:    dial,
		servers: make([]*perServer, len(addrs)),
	}
	for i := range p.servers {
		p.servers[i] = &perServer{}
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// ErrClosed is returned by Pop once the pool has been closed.
var ErrClosed = fmt.Errorf("connpool: pool is closed")

// Pop returns an idle connection to serverIndex, dialing a fresh one if
// capacity allows, or blocking until another caller Pushes one back.
func (p *Pool) Pop(ctx context.Context, serverIndex int) (net.Conn, error) {
	if serverIndex < 0 || serverIndex >= len(p.servers) {
		return nil, fmt.Errorf("connpool: server index %d out of range [0,%d)", serverIndex, len(p.servers))
	}
	srv := p.servers[serverIndex]

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		// 1. Non-blocking dequeue.
		if len(srv.idle) > 0 {
			conn := srv.idle[0]
			srv.idle = srv.idle[1:]
			p.mu.Unlock()
			return conn, nil
		}
		// 2. Reserve a slot if under capacity.
		if srv.outCount < p.maxConn {
			srv.outCount++
			p.mu.Unlock()

			conn, err := p.dialAndHandshake(ctx, p.addrs[serverIndex])
			if err != nil {
				p.mu.Lock()
				srv.outCount-- // release the reservation on dial failure
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}
		// 4. At capacity with nothing idle: block for a Push.
		p.cond.Wait()
	}
}

// dialAndHandshake dials addr (NetDialer has already enabled NODELAY),
// sends PING, and reads the server's component reply. The reply only
// verifies the deployment; it does not gate routing, so a successful
// PING with an empty component list is not itself an error.
func (p *Pool) dialAndHandshake(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connpool: dial %s: %w", addr, err)
	}

	ping := &message.Message{Header: message.Header{Type: message.TypePing, Flags: message.FlagSafetyNetwork, Count: 1}}
	if _, err := ping.WriteTo(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connpool: send PING to %s: %w", addr, err)
	}
	reply, err := message.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connpool: read PING reply from %s: %w", addr, err)
	}
	if _, err := message.DecodePingReply(reply.Body); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connpool: decode PING reply from %s: %w", addr, err)
	}
	return conn, nil
}

// Push returns conn to serverIndex's idle queue without closing it.
// Closing only happens at Close.
func (p *Pool) Push(serverIndex int, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return
	}
	srv := p.servers[serverIndex]
	srv.idle = append(srv.idle, conn)
	p.cond.Signal()
}

// Drop releases conn's capacity slot without returning it to the idle
// queue, for callers that detected the connection is broken: a read
// short of the expected length is fatal for the connection.
func (p *Pool) Drop(serverIndex int, conn net.Conn) {
	conn.Close()
	p.mu.Lock()
	p.servers[serverIndex].outCount--
	p.cond.Broadcast() // capacity freed up; wake any blocked Pop
	p.mu.Unlock()
}

// Close closes every idle connection in every server's queue.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, srv := range p.servers {
		for _, conn := range srv.idle {
			conn.Close()
		}
		srv.idle = nil
	}
	p.cond.Broadcast()
	return nil
}

// Monitor re-pings every idle connection each interval, dropping the
// ones that fail, until ctx is done. Callers run it in its own
// goroutine; connections currently popped by other callers are not
// touched.
func (p *Pool) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep takes each server's idle queue, pings every connection, and
// pushes back only the live ones.
func (p *Pool) sweep() {
	for i := range p.servers {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		idle := p.servers[i].idle
		p.servers[i].idle = nil
		p.mu.Unlock()

		for _, conn := range idle {
			if pingConn(conn) != nil {
				p.Drop(i, conn)
				continue
			}
			p.Push(i, conn)
		}
	}
}

func pingConn(conn net.Conn) error {
	ping := &message.Message{Header: message.Header{Type: message.TypePing, Flags: message.FlagSafetyNetwork, Count: 1}}
	if _, err := ping.WriteTo(conn); err != nil {
		return err
	}
	_, err := message.ReadMessage(conn)
	return err
}

// Stats reports the idle count and the in-use count (issued minus
// idle) for serverIndex. idle+inUse never exceeds maxConn.
func (p *Pool) Stats(serverIndex int) (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	srv := p.servers[serverIndex]
	return len(srv.idle), srv.outCount - len(srv.idle)
}
