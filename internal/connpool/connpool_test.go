package connpool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juleago/julea/internal/message"
)

// fakeServerDialer returns a Dialer that hands back one side of an
// in-memory net.Pipe, with a goroutine on the other side answering the
// PING handshake the pool performs on every fresh dial.
func fakeServerDialer(t *testing.T, dialCount *int32) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		atomic.AddInt32(dialCount, 1)
		client, server := net.Pipe()
		go func() {
			req, err := message.ReadMessage(server)
			if err != nil {
				return
			}
			if req.Header.Type != message.TypePing {
				t.Errorf("expected PING, got %s", req.Header.Type)
			}
			reply := message.NewReply(message.TypePing, req.Header.Flags, 1)
			reply.Body = message.EncodePingReply(message.PingReply{Kinds: map[message.Kind]message.Component{
				message.KindKV: message.ComponentServer,
			}})
			_, _ = reply.WriteTo(server)
			// Keep the server side open until the test closes the conn.
			buf := make([]byte, 1)
			_, _ = server.Read(buf)
		}()
		return client, nil
	}
}

func TestPopDialsOnceUnderCapacity(t *testing.T) {
	var dials int32
	pool := New(message.KindKV, []string{"server-0"}, 2, fakeServerDialer(t, &dials))
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Pop(ctx, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	c2, err := pool.Pop(ctx, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}

	if atomic.LoadInt32(&dials) != 2 {
		t.Fatalf("expected 2 dials for 2 concurrent callers under capacity 2, got %d", dials)
	}

	pool.Push(0, c1)
	pool.Push(0, c2)
}

func TestPopBlocksAtCapacityUntilPush(t *testing.T) {
	// Pool with max_connections=1; two callers
	// each Pop. Expect exactly one dial; the second blocks until the
	// first Pushes.
	var dials int32
	pool := New(message.KindKV, []string{"server-0"}, 1, fakeServerDialer(t, &dials))
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Pop(ctx, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("expected exactly 1 dial, got %d", dials)
	}

	var wg sync.WaitGroup
	secondPopped := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := pool.Pop(ctx, 0)
		if err != nil {
			t.Errorf("second Pop: %v", err)
			return
		}
		close(secondPopped)
		pool.Push(0, c)
	}()

	select {
	case <-secondPopped:
		t.Fatal("second Pop returned before the first connection was pushed back")
	case <-time.After(100 * time.Millisecond):
		// expected: still blocked
	}

	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("expected still exactly 1 dial while second caller blocks, got %d", dials)
	}

	pool.Push(0, conn)

	select {
	case <-secondPopped:
	case <-time.After(time.Second):
		t.Fatal("second Pop did not unblock after Push")
	}
	wg.Wait()

	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("expected still exactly 1 dial total (reused the pushed connection), got %d", dials)
	}
}

// loopingServerDialer answers PINGs forever, so sweep can re-ping the
// same idle connection repeatedly.
func loopingServerDialer(dialCount *int32) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		atomic.AddInt32(dialCount, 1)
		client, server := net.Pipe()
		go func() {
			for {
				req, err := message.ReadMessage(server)
				if err != nil {
					return
				}
				reply := message.NewReply(req.Header.Type, req.Header.Flags, 1)
				reply.Body = message.EncodePingReply(message.PingReply{Kinds: map[message.Kind]message.Component{
					message.KindKV: message.ComponentServer,
				}})
				if _, err := reply.WriteTo(server); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func TestSweepKeepsLiveAndDropsDeadConnections(t *testing.T) {
	var dials int32
	pool := New(message.KindKV, []string{"server-0"}, 2, loopingServerDialer(&dials))
	defer pool.Close()

	ctx := context.Background()
	live, err := pool.Pop(ctx, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	dead, err := pool.Pop(ctx, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	pool.Push(0, live)
	pool.Push(0, dead)

	// Kill the second connection's server side by closing the client
	// end: the next ping on it fails.
	dead.Close()

	pool.sweep()

	idle, inUse := pool.Stats(0)
	if idle != 1 {
		t.Errorf("idle = %d after sweep, want 1 (dead connection evicted)", idle)
	}
	if idle+inUse > 2 {
		t.Errorf("capacity invariant violated after sweep: idle=%d inUse=%d", idle, inUse)
	}

	// The surviving connection is still poppable.
	c, err := pool.Pop(ctx, 0)
	if err != nil {
		t.Fatalf("Pop after sweep: %v", err)
	}
	pool.Push(0, c)
}

func TestCapacityInvariantHolds(t *testing.T) {
	var dials int32
	maxConn := 3
	pool := New(message.KindKV, []string{"server-0"}, maxConn, fakeServerDialer(t, &dials))
	defer pool.Close()

	ctx := context.Background()
	var conns []net.Conn
	for i := 0; i < maxConn; i++ {
		c, err := pool.Pop(ctx, 0)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		conns = append(conns, c)

		idle, inUse := pool.Stats(0)
		if idle+inUse > maxConn {
			t.Fatalf("invariant violated: idle=%d inUse=%d max=%d", idle, inUse, maxConn)
		}
	}

	for _, c := range conns {
		pool.Push(0, c)
		idle, inUse := pool.Stats(0)
		if idle+inUse > maxConn {
			t.Fatalf("invariant violated after push: idle=%d inUse=%d max=%d", idle, inUse, maxConn)
		}
	}
}
