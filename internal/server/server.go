// Package server implements the server loop: one listener per backend
// kind, a per-connection worker that reads messages until EOF,
// dispatches each to the locally loaded backend, and writes a reply
// when the message's safety class requires one.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/semantics"
	"github.com/juleago/julea/internal/stats"
)

// Server dispatches incoming messages for a single backend kind to a
// locally loaded driver instance.
type Server struct {
	Kind message.Kind

	ObjectBackend backend.ObjectBackend
	ObjectHandle  any
	KVBackend     backend.KVBackend
	KVHandle      any
	DBBackend     backend.DBBackend
	DBHandle      any

	// MaxOperationSize bounds the size of a single object read or
	// write. A read over the limit is rejected before its buffer is
	// allocated; a write's attachment is read in full, at the length its
	// own prefix declares, before the limit is checked.
	MaxOperationSize uint64

	Stats *stats.Collector

	// Logf receives diagnostic lines, exactly as cmd/node/main.go's
	// log.Printf does. Defaults to log.Printf when nil.
	Logf func(format string, args ...any)

	mu       sync.Mutex
	listener net.Listener
}

func (s *Server) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Serve accepts connections on ln until ctx is done or ln is closed,
// spawning one worker goroutine per connection. It returns once every
// worker has exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logf("server[%s]: accept: %v", s.Kind, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	wg.Wait()
	return nil
}

// handleConn reads and dispatches messages from conn until EOF or a
// framing error, folding this connection's local statistics tally into
// the shared Collector at session end.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	local := stats.NewLocal()
	defer func() {
		if s.Stats != nil {
			local.Fold(s.Stats)
		}
	}()

	for {
		req, err := message.ReadMessage(conn)
		if err != nil {
			return // a short/failed read is fatal for the connection
		}

		reply, attachment, err := s.dispatch(ctx, conn, req, local)
		if err != nil {
			s.logf("server[%s]: dispatch %s: %v", s.Kind, req.Header.Type, err)
			// Only answer if the client is actually reading a reply;
			// an unsolicited one would desync the connection's framing.
			if reply == nil && req.Header.Flags.RequiresReply() {
				reply = message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
				var dbErr *backend.DBError
				if errors.As(err, &dbErr) {
					w := message.NewWriter()
					w.AppendUint32(backend.DBReplyError)
					backend.EncodeDBError(w, dbErr)
					reply.Body = w.Bytes()
				}
			}
		}
		if reply == nil {
			continue
		}
		if attachment != nil {
			reply.Attachments = [][]byte{attachment}
		}
		if _, err := reply.WriteTo(conn); err != nil {
			return
		}
	}
}

// dispatch invokes the local backend method matching req's type. It
// returns the reply to send (nil if none is required), an optional
// attachment to append after the reply's body (object reads), and an
// error for logging — errors still produce a best-effort reply so the
// client's RequiresReply expectation is honored.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, req *message.Message, local *stats.Local) (*message.Message, []byte, error) {
	switch req.Header.Type {
	case message.TypePing:
		return s.dispatchPing(req), nil, nil

	case message.TypeKVPut, message.TypeKVDelete:
		return s.dispatchKVWrite(ctx, req, local)
	case message.TypeKVGet:
		return s.dispatchKVGet(ctx, req, local)
	case message.TypeKVGetByPrefix, message.TypeKVGetAll:
		return s.dispatchKVIterate(ctx, req)

	case message.TypeObjectCreate, message.TypeObjectDelete, message.TypeObjectSync:
		return s.dispatchObjectLifecycle(ctx, req)
	case message.TypeObjectWrite:
		return s.dispatchObjectWrite(ctx, conn, req, local)
	case message.TypeObjectRead:
		return s.dispatchObjectRead(ctx, req, local)
	case message.TypeObjectStatus:
		return s.dispatchObjectStatus(ctx, req)
	case message.TypeObjectGetAll, message.TypeObjectGetByPrefix:
		return s.dispatchObjectIterate(ctx, req)

	case message.TypeDBSchemaCreate, message.TypeDBSchemaDelete:
		return s.dispatchDBSchemaWrite(ctx, req)
	case message.TypeDBSchemaGet:
		return s.dispatchDBSchemaGet(ctx, req)
	case message.TypeDBInsert, message.TypeDBUpdate, message.TypeDBDelete:
		return s.dispatchDBWrite(ctx, req)
	case message.TypeDBQuery:
		return s.dispatchDBQuery(ctx, req)

	default:
		return nil, nil, fmt.Errorf("server: unhandled message type %s", req.Header.Type)
	}
}

func (s *Server) dispatchPing(req *message.Message) *message.Message {
	kinds := map[message.Kind]message.Component{}
	if s.ObjectBackend != nil {
		kinds[message.KindObject] = message.ComponentServer
	}
	if s.KVBackend != nil {
		kinds[message.KindKV] = message.ComponentServer
	}
	if s.DBBackend != nil {
		kinds[message.KindDB] = message.ComponentServer
	}
	reply := message.NewReply(req.Header.Type, req.Header.Flags, req.Header.Count)
	reply.Body = message.EncodePingReply(message.PingReply{Kinds: kinds})
	return reply
}

func replySemantics(flags message.Flags) semantics.Semantics {
	sem := semantics.Default()
	switch {
	case flags&message.FlagSafetyStorage != 0:
		sem.Persistency = semantics.PersistencyStorage
	case flags&message.FlagSafetyNetwork != 0:
		sem.Persistency = semantics.PersistencyNetwork
	default:
		sem.Persistency = semantics.PersistencyNone
	}
	return sem
}
