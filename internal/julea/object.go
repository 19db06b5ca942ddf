package julea

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/batch"
	"github.com/juleago/julea/internal/distribution"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/operation"
	"github.com/juleago/julea/internal/semantics"
	"github.com/juleago/julea/internal/stats"
)

// DistributedObject is a single logical object striped across object
// servers by a pluggable Distribution policy. One Write or Read call
// emits one operation per piece the policy's Cursor returns; fusion
// (package batch) merges same-object pieces added consecutively into
// one executor invocation, which fans each piece out to its own
// server.
type DistributedObject struct {
	c            *Client
	namespace    string
	path         string
	distribution distribution.Policy
	numServers   int
}

// DistributedObject returns the striped-object frontend for
// (namespace, path), striped by dist across numServers object
// servers. numServers should equal len(Config.ServersObject) in the
// network-routed case, or 1 when a client-side backend is loaded
// in-process.
func (c *Client) DistributedObject(namespace, path string, dist distribution.Policy, numServers int) *DistributedObject {
	if numServers <= 0 {
		numServers = 1
	}
	return &DistributedObject{c: c, namespace: namespace, path: path, distribution: dist, numServers: numServers}
}

type objectLifecyclePayload struct {
	serverIndex int
}

// Create adds one create operation per object server to b: a striped
// object exists on every server its pieces can land on, so create and
// delete fan out to all of them.
func (o *DistributedObject) Create(b *batch.Batch) {
	for i := 0; i < o.numServers; i++ {
		b.Add(&operation.Operation{
			Kind:     "object.create",
			Key:      o.namespace + "/" + o.path,
			Data:     objectLifecyclePayload{serverIndex: i},
			CanCache: true,
			Exec:     o.execLifecycle(message.TypeObjectCreate),
		})
	}
}

// Delete adds one delete operation per object server to b.
func (o *DistributedObject) Delete(b *batch.Batch) {
	for i := 0; i < o.numServers; i++ {
		b.Add(&operation.Operation{
			Kind:     "object.delete",
			Key:      o.namespace + "/" + o.path,
			Data:     objectLifecyclePayload{serverIndex: i},
			CanCache: true,
			Exec:     o.execLifecycle(message.TypeObjectDelete),
		})
	}
}

// Sync adds one sync operation per object server to b. Unlike create
// and delete it is not cacheable: the caller wants durability by the
// time the batch reports success, which an eventual batch cannot give.
func (o *DistributedObject) Sync(b *batch.Batch) {
	for i := 0; i < o.numServers; i++ {
		b.Add(&operation.Operation{
			Kind: "object.sync",
			Key:  o.namespace + "/" + o.path,
			Data: objectLifecyclePayload{serverIndex: i},
			Exec: o.execLifecycle(message.TypeObjectSync),
		})
	}
}

// StatusResult receives a Status call's outcome once the batch that
// holds it executes: the newest piece's modification time and the sum
// of the piece sizes across servers.
type StatusResult struct {
	ModTime time.Time
	Size    uint64
}

type objectStatusPayload struct {
	serverIndex int
	out         *StatusResult
}

// Status adds one status operation per object server to b; *out
// aggregates across servers (max mtime, summed size) as each piece
// reports in.
func (o *DistributedObject) Status(b *batch.Batch) *StatusResult {
	out := &StatusResult{}
	for i := 0; i < o.numServers; i++ {
		b.Add(&operation.Operation{
			Kind: "object.status",
			Key:  o.namespace + "/" + o.path,
			Data: objectStatusPayload{serverIndex: i, out: out},
			Exec: o.execStatus,
		})
	}
	return out
}

type objectWritePayload struct {
	serverIndex int
	localOffset uint64
	data        []byte
}

// Write adds one write operation per distribution piece covering
// [offset, offset+len(data)) to b. The pieces partition the data
// exactly; *written receives the total bytes actually written once b
// executes.
func (o *DistributedObject) Write(b *batch.Batch, offset uint64, data []byte) (written *uint64) {
	written = new(uint64)
	cur := o.distribution.Cursor(offset, uint64(len(data)), o.numServers)
	consumed := uint64(0)
	for {
		piece, ok := cur.Next()
		if !ok {
			break
		}
		chunk := make([]byte, piece.Length)
		copy(chunk, data[consumed:consumed+piece.Length])
		consumed += piece.Length

		b.Add(&operation.Operation{
			Kind:          "object.write",
			Key:           o.namespace + "/" + o.path,
			Data:          objectWritePayload{serverIndex: piece.ServerIndex, localOffset: piece.LocalOffset, data: chunk},
			CanCache:      true,
			RequiredBytes: uint64(len(chunk)),
			Exec:          o.execWriteWith(written),
		})
	}
	return written
}

type objectReadPayload struct {
	serverIndex int
	localOffset uint64
	length      uint64
	bufStart    uint64 // this piece's start within the caller's output buffer
	dest        []byte // view into the caller's output buffer for this piece
}

// Read adds one read operation per distribution piece covering
// [offset, offset+length) to b. Once b executes, *read receives the
// sum of bytes read across pieces and *out is resliced to the valid
// contiguous prefix, so a read past the object's end comes back
// shorter than length rather than zero-padded.
func (o *DistributedObject) Read(b *batch.Batch, offset, length uint64) (out *[]byte, read *uint64) {
	buf := make([]byte, length)
	out = &buf
	read = new(uint64)
	cur := o.distribution.Cursor(offset, length, o.numServers)
	consumed := uint64(0)
	for {
		piece, ok := cur.Next()
		if !ok {
			break
		}
		dest := buf[consumed : consumed+piece.Length]

		b.Add(&operation.Operation{
			Kind: "object.read",
			Key:  o.namespace + "/" + o.path,
			Data: objectReadPayload{serverIndex: piece.ServerIndex, localOffset: piece.LocalOffset, length: piece.Length, bufStart: consumed, dest: dest},
			Exec: o.execReadWith(out, read),
		})
		consumed += piece.Length
	}
	return out, read
}

func (o *DistributedObject) execLifecycle(typ message.Type) operation.ExecFunc {
	return func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		success := true
		for _, p := range payloads {
			lp := p.(objectLifecyclePayload)
			if err := o.lifecyclePiece(ctx, typ, lp.serverIndex, sem); err != nil {
				success = false
			}
		}
		return success
	}
}

func (o *DistributedObject) lifecyclePiece(ctx context.Context, typ message.Type, serverIndex int, sem semantics.Semantics) error {
	if o.c.objectBackend != nil {
		switch typ {
		case message.TypeObjectCreate:
			obj, err := o.c.objectBackend.Create(ctx, o.c.objectHandle, o.namespace, o.path)
			if err != nil {
				return err
			}
			if o.c.Stats != nil {
				o.c.Stats.Inc(stats.OpFilesCreated)
			}
			return o.c.objectBackend.Close(obj)
		case message.TypeObjectDelete:
			obj, err := o.c.objectBackend.Open(ctx, o.c.objectHandle, o.namespace, o.path)
			if err != nil {
				return err
			}
			if o.c.Stats != nil {
				o.c.Stats.Inc(stats.OpFilesDeleted)
			}
			return o.c.objectBackend.Delete(ctx, obj)
		default: // message.TypeObjectSync
			obj, err := o.c.objectBackend.Open(ctx, o.c.objectHandle, o.namespace, o.path)
			if err != nil {
				return err
			}
			defer o.c.objectBackend.Close(obj)
			if o.c.Stats != nil {
				o.c.Stats.Inc(stats.OpSyncs)
			}
			return o.c.objectBackend.Sync(ctx, obj)
		}
	}

	w := message.NewWriter()
	w.AppendString(o.namespace)
	w.AppendString(o.path)
	flags := safetyFlags(sem)
	if typ == message.TypeObjectCreate {
		// Creates always require a reply, so a following open cannot
		// race a create still in flight.
		flags |= message.FlagSafetyNetwork
	}
	req := &message.Message{Header: message.Header{Type: typ, Flags: flags, Count: 1}, Body: w.Bytes()}
	_, err := o.roundTrip(ctx, serverIndex, req)
	return err
}

func (o *DistributedObject) execStatus(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if o.c.Cache != nil {
		_ = o.c.Cache.Flush(ctx)
	}
	success := true
	for _, p := range payloads {
		sp := p.(objectStatusPayload)
		mtime, size, err := o.statusPiece(ctx, sp.serverIndex)
		if err != nil {
			success = false
			continue
		}
		if mtime.After(sp.out.ModTime) {
			sp.out.ModTime = mtime
		}
		sp.out.Size += size
	}
	return success
}

func (o *DistributedObject) statusPiece(ctx context.Context, serverIndex int) (time.Time, uint64, error) {
	if o.c.objectBackend != nil {
		obj, err := o.c.objectBackend.Open(ctx, o.c.objectHandle, o.namespace, o.path)
		if err != nil {
			return time.Time{}, 0, err
		}
		defer o.c.objectBackend.Close(obj)
		return o.c.objectBackend.Status(ctx, obj)
	}

	w := message.NewWriter()
	w.AppendString(o.namespace)
	w.AppendString(o.path)
	req := &message.Message{Header: message.Header{Type: message.TypeObjectStatus, Flags: message.FlagSafetyNetwork, Count: 1}, Body: w.Bytes()}
	reply, err := o.roundTrip(ctx, serverIndex, req)
	if err != nil {
		return time.Time{}, 0, err
	}
	r := message.NewReader(reply.Body)
	unix, err := r.GetUint64()
	if err != nil {
		return time.Time{}, 0, err
	}
	size, err := r.GetUint64()
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.Unix(int64(unix), 0), size, nil
}

func (o *DistributedObject) execWriteWith(written *uint64) operation.ExecFunc {
	return func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		success := true
		for _, p := range payloads {
			wp := p.(objectWritePayload)
			n, err := o.writePiece(ctx, wp, sem)
			if err != nil {
				success = false
				continue
			}
			*written += uint64(n)
			if o.c.Stats != nil {
				o.c.Stats.AddBytes(stats.OpBytesWritten, uint64(n))
			}
		}
		return success
	}
}

func (o *DistributedObject) execReadWith(out *[]byte, read *uint64) operation.ExecFunc {
	return func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		if o.c.Cache != nil {
			_ = o.c.Cache.Flush(ctx)
		}
		success := true
		contiguous := uint64(len(*out))
		for _, p := range payloads {
			rp := p.(objectReadPayload)
			n, err := o.readPiece(ctx, rp, sem)
			if err != nil {
				success = false
				if rp.bufStart < contiguous {
					contiguous = rp.bufStart
				}
				continue
			}
			*read += uint64(n)
			if uint64(n) < rp.length && rp.bufStart+uint64(n) < contiguous {
				contiguous = rp.bufStart + uint64(n)
			}
			if o.c.Stats != nil {
				o.c.Stats.AddBytes(stats.OpBytesRead, uint64(n))
			}
		}
		*out = (*out)[:contiguous]
		return success
	}
}

func (o *DistributedObject) writePiece(ctx context.Context, p objectWritePayload, sem semantics.Semantics) (int, error) {
	if o.c.objectBackend != nil {
		obj, err := o.c.objectBackend.Create(ctx, o.c.objectHandle, o.namespace, o.path)
		if err != nil {
			return 0, err
		}
		defer o.c.objectBackend.Close(obj)
		return o.c.objectBackend.Write(ctx, obj, p.data, p.localOffset)
	}
	return o.writePieceOverNetwork(ctx, p, sem)
}

func (o *DistributedObject) readPiece(ctx context.Context, p objectReadPayload, sem semantics.Semantics) (int, error) {
	if o.c.objectBackend != nil {
		obj, err := o.c.objectBackend.Open(ctx, o.c.objectHandle, o.namespace, o.path)
		if err != nil {
			return 0, err
		}
		defer o.c.objectBackend.Close(obj)
		return o.c.objectBackend.Read(ctx, obj, p.dest, p.localOffset)
	}
	return o.readPieceOverNetwork(ctx, p, sem)
}

// --- network path -------------------------------------------------

func (o *DistributedObject) writePieceOverNetwork(ctx context.Context, p objectWritePayload, sem semantics.Semantics) (int, error) {
	w := message.NewWriter()
	w.AppendString(o.namespace)
	w.AppendString(o.path)
	w.AppendUint64(uint64(len(p.data)))
	w.AppendUint64(p.localOffset)
	// Object write's payload is send-attached after the body,
	// symmetric to object read's reply.
	req := &message.Message{
		Header:      message.Header{Type: message.TypeObjectWrite, Flags: safetyFlags(sem), Count: 1},
		Body:        w.Bytes(),
		Attachments: [][]byte{p.data},
	}
	reply, err := o.roundTrip(ctx, p.serverIndex, req)
	if err != nil {
		return 0, err
	}
	if len(reply.Body) == 0 {
		return len(p.data), nil
	}
	r := message.NewReader(reply.Body)
	n, err := r.GetUint64()
	return int(n), err
}

func (o *DistributedObject) readPieceOverNetwork(ctx context.Context, p objectReadPayload, sem semantics.Semantics) (int, error) {
	w := message.NewWriter()
	w.AppendString(o.namespace)
	w.AppendString(o.path)
	w.AppendUint64(p.length)
	w.AppendUint64(p.localOffset)
	req := &message.Message{Header: message.Header{Type: message.TypeObjectRead, Flags: message.FlagSafetyNetwork, Count: 1}, Body: w.Bytes()}
	reply, err := o.roundTrip(ctx, p.serverIndex, req)
	if err != nil {
		return 0, err
	}
	r := message.NewReader(reply.Body)
	bytesRead, err := r.GetUint64()
	if err != nil {
		return 0, err
	}
	if uint64(len(reply.Attachments)) == 0 {
		return int(bytesRead), nil
	}
	n := copy(p.dest, reply.Attachments[0])
	return n, nil
}

func (o *DistributedObject) roundTrip(ctx context.Context, serverIndex int, req *message.Message) (*message.Message, error) {
	pool := o.c.objectRoute.pool
	if pool == nil {
		return nil, fmt.Errorf("julea: object backend %q has no client component and no server pool configured", o.c.Config.Object.Backend)
	}
	conn, err := pool.Pop(ctx, serverIndex)
	if err != nil {
		return nil, fmt.Errorf("julea: pop object connection: %w", err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		pool.Drop(serverIndex, conn)
		return nil, fmt.Errorf("julea: send object request: %w", err)
	}
	if !req.Header.Flags.RequiresReply() {
		pool.Push(serverIndex, conn)
		return &message.Message{}, nil
	}
	reply, err := message.ReadMessage(conn)
	if err != nil {
		pool.Drop(serverIndex, conn)
		return nil, fmt.Errorf("julea: read object reply: %w", err)
	}
	// An OBJECT_READ reply streams its payload as a send-attached
	// buffer after the body rather than inline; ReadMessage only reads
	// the header and body, so read that attachment now.
	if needsAttachment(reply) {
		att, err := message.ReadAttachment(conn)
		if err != nil {
			pool.Drop(serverIndex, conn)
			return nil, fmt.Errorf("julea: read object attachment: %w", err)
		}
		reply.Attachments = append(reply.Attachments, att)
	}
	pool.Push(serverIndex, conn)
	return reply, nil
}

// needsAttachment reports whether reply is an OBJECT_READ reply,
// which streams its payload as a send-attached buffer after the body
// rather than inline.
func needsAttachment(reply *message.Message) bool {
	return reply.Header.Type == message.TypeObjectRead
}

// ObjectNames returns the names of the objects in namespace whose
// names share prefix (pass "" for all), in lexicographic order. A
// striped object appears on every server that holds one of its
// pieces, so the network path queries every object server and merges
// the results. Like every read, it flushes the eventual cache first.
func (c *Client) ObjectNames(ctx context.Context, namespace, prefix string) (backend.ObjectIterator, error) {
	if c.Cache != nil {
		if err := c.Cache.Flush(ctx); err != nil {
			return nil, err
		}
	}
	if c.objectBackend != nil {
		if prefix == "" {
			return c.objectBackend.GetAll(ctx, c.objectHandle, namespace)
		}
		return c.objectBackend.GetByPrefix(ctx, c.objectHandle, namespace, prefix)
	}

	seen := make(map[string]bool)
	for idx := range c.objectRoute.addrs {
		names, err := c.objectNamesFromServer(ctx, idx, namespace, prefix)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			seen[n] = true
		}
	}
	merged := make([]string, 0, len(seen))
	for n := range seen {
		merged = append(merged, n)
	}
	sort.Strings(merged)
	return &objectNameIterator{names: merged}, nil
}

func (c *Client) objectNamesFromServer(ctx context.Context, serverIndex int, namespace, prefix string) ([]string, error) {
	w := message.NewWriter()
	w.AppendString(namespace)
	typ := message.TypeObjectGetAll
	if prefix != "" {
		typ = message.TypeObjectGetByPrefix
		w.AppendString(prefix)
	}
	req := &message.Message{Header: message.Header{Type: typ, Flags: message.FlagSafetyNetwork, Count: 1}, Body: w.Bytes()}

	pool := c.objectRoute.pool
	if pool == nil {
		return nil, fmt.Errorf("julea: object backend %q has no client component and no server pool configured", c.Config.Object.Backend)
	}
	conn, err := pool.Pop(ctx, serverIndex)
	if err != nil {
		return nil, fmt.Errorf("julea: pop object connection: %w", err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		pool.Drop(serverIndex, conn)
		return nil, fmt.Errorf("julea: send object iterate request: %w", err)
	}
	reply, err := message.ReadMessage(conn)
	if err != nil {
		pool.Drop(serverIndex, conn)
		return nil, fmt.Errorf("julea: read object iterate reply: %w", err)
	}
	pool.Push(serverIndex, conn)

	r := message.NewReader(reply.Body)
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := uint32(0); i < n; i++ {
		names[i], err = r.GetString()
		if err != nil {
			return nil, err
		}
	}
	return names, nil
}

type objectNameIterator struct {
	names []string
	pos   int
}

func (it *objectNameIterator) Next(_ context.Context) (string, bool, error) {
	if it.pos >= len(it.names) {
		return "", false, nil
	}
	name := it.names[it.pos]
	it.pos++
	return name, true, nil
}
