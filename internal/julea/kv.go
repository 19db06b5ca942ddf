package julea

import (
	"context"
	"fmt"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/batch"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/operation"
	"github.com/juleago/julea/internal/semantics"
	"github.com/juleago/julea/internal/stats"
)

// KV is a namespace-scoped key-value frontend producing operations
// that target the KV backend.
type KV struct {
	c         *Client
	namespace string
}

// KV returns the key-value frontend for namespace.
func (c *Client) KV(namespace string) *KV {
	return &KV{c: c, namespace: namespace}
}

type kvPutPayload struct {
	key   string
	value []byte
}

type kvDeletePayload struct {
	key string
}

// Put adds a put operation to b. The value is copied at Add time so
// the caller may reuse its buffer immediately; RequiredBytes lets the
// operation cache's admission test account for the copy.
func (kv *KV) Put(b *batch.Batch, key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.Add(&operation.Operation{
		Kind:          "kv.put",
		Key:           kv.namespace,
		Data:          kvPutPayload{key: key, value: cp},
		CanCache:      true,
		RequiredBytes: uint64(len(cp)),
		Exec:          kv.execPut,
	})
}

// Delete adds a delete operation to b.
func (kv *KV) Delete(b *batch.Batch, key string) {
	b.Add(&operation.Operation{
		Kind:     "kv.delete",
		Key:      kv.namespace,
		Data:     kvDeletePayload{key: key},
		CanCache: true,
		Exec:     kv.execDelete,
	})
}

// GetResult receives a Get call's outcome once the batch that holds it
// executes.
type GetResult struct {
	Value []byte
	Found bool
}

type kvGetPayload struct {
	key string
	out *GetResult
}

// Get adds a non-cacheable get operation to b; the returned result is
// populated when b executes.
func (kv *KV) Get(b *batch.Batch, key string) *GetResult {
	out := &GetResult{}
	b.Add(&operation.Operation{
		Kind: "kv.get",
		Key:  kv.namespace,
		Data: kvGetPayload{key: key, out: out},
		Exec: kv.execGet,
	})
	return out
}

func (kv *KV) execPut(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if kv.c.kvBackend != nil {
		bh, err := kv.c.kvBackend.BatchStart(ctx, kv.c.kvHandle, kv.namespace, sem)
		if err != nil {
			return false
		}
		for _, p := range payloads {
			put := p.(kvPutPayload)
			if err := kv.c.kvBackend.Put(bh, put.key, put.value); err != nil {
				return false
			}
			if kv.c.Stats != nil {
				kv.c.Stats.AddBytes(stats.OpBytesWritten, uint64(len(put.value)))
			}
		}
		return kv.c.kvBackend.BatchExecute(ctx, bh) == nil
	}
	return kv.sendPutsOverNetwork(ctx, payloads, sem)
}

func (kv *KV) execDelete(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	if kv.c.kvBackend != nil {
		bh, err := kv.c.kvBackend.BatchStart(ctx, kv.c.kvHandle, kv.namespace, sem)
		if err != nil {
			return false
		}
		for _, p := range payloads {
			del := p.(kvDeletePayload)
			if err := kv.c.kvBackend.Delete(bh, del.key); err != nil {
				return false
			}
		}
		return kv.c.kvBackend.BatchExecute(ctx, bh) == nil
	}
	return kv.sendDeletesOverNetwork(ctx, payloads, sem)
}

func (kv *KV) execGet(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	// Reads always flush the cache first so a process observes its
	// own eventual writes.
	if kv.c.Cache != nil {
		_ = kv.c.Cache.Flush(ctx)
	}

	success := true
	for _, p := range payloads {
		get := p.(kvGetPayload)
		var value []byte
		var found bool
		var err error
		if kv.c.kvBackend != nil {
			value, found, err = kv.c.kvBackend.Get(ctx, kv.c.kvHandle, kv.namespace, get.key)
		} else {
			value, found, err = kv.getOverNetwork(ctx, get.key)
		}
		if err != nil {
			success = false
			continue
		}
		get.out.Value = value
		get.out.Found = found
		if found && kv.c.Stats != nil {
			kv.c.Stats.AddBytes(stats.OpBytesRead, uint64(len(value)))
		}
	}
	return success
}

// GetAll returns an iterator over every key in the namespace, in
// lexicographic order. Like Get, it flushes the eventual cache first.
func (kv *KV) GetAll(ctx context.Context) (backend.KVIterator, error) {
	return kv.GetByPrefix(ctx, "")
}

// GetByPrefix returns an iterator over keys sharing prefix, in
// lexicographic order.
func (kv *KV) GetByPrefix(ctx context.Context, prefix string) (backend.KVIterator, error) {
	if kv.c.Cache != nil {
		if err := kv.c.Cache.Flush(ctx); err != nil {
			return nil, err
		}
	}
	if kv.c.kvBackend != nil {
		return kv.c.kvBackend.GetByPrefix(ctx, kv.c.kvHandle, kv.namespace, prefix)
	}
	return kv.getByPrefixOverNetwork(ctx, prefix)
}

// --- network path -------------------------------------------------

func (kv *KV) serverIndex() int {
	return serverIndexForKey(kv.namespace, len(kv.c.kvRoute.addrs))
}

func (kv *KV) sendPutsOverNetwork(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	w := message.NewWriter()
	w.AppendString(kv.namespace)
	for _, p := range payloads {
		put := p.(kvPutPayload)
		w.AppendString(put.key)
		w.AppendBytes(put.value)
	}
	flags := safetyFlags(sem)
	req := &message.Message{Header: message.Header{Type: message.TypeKVPut, Flags: flags, Count: uint32(len(payloads))}, Body: w.Bytes()}
	_, err := kv.roundTrip(ctx, req)
	return err == nil
}

func (kv *KV) sendDeletesOverNetwork(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
	w := message.NewWriter()
	w.AppendString(kv.namespace)
	for _, p := range payloads {
		del := p.(kvDeletePayload)
		w.AppendString(del.key)
	}
	flags := safetyFlags(sem)
	req := &message.Message{Header: message.Header{Type: message.TypeKVDelete, Flags: flags, Count: uint32(len(payloads))}, Body: w.Bytes()}
	_, err := kv.roundTrip(ctx, req)
	return err == nil
}

func (kv *KV) getOverNetwork(ctx context.Context, key string) ([]byte, bool, error) {
	w := message.NewWriter()
	w.AppendString(kv.namespace)
	w.AppendString(key)
	req := &message.Message{Header: message.Header{Type: message.TypeKVGet, Flags: message.FlagSafetyNetwork, Count: 1}, Body: w.Bytes()}
	reply, err := kv.roundTrip(ctx, req)
	if err != nil {
		return nil, false, err
	}
	r := message.NewReader(reply.Body)
	value, err := r.GetBytes()
	if err != nil {
		return nil, false, err
	}
	return value, len(value) > 0, nil
}

func (kv *KV) getByPrefixOverNetwork(ctx context.Context, prefix string) (backend.KVIterator, error) {
	w := message.NewWriter()
	w.AppendString(kv.namespace)
	w.AppendString(prefix)
	req := &message.Message{Header: message.Header{Type: message.TypeKVGetByPrefix, Flags: message.FlagSafetyNetwork, Count: 1}, Body: w.Bytes()}
	reply, err := kv.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	r := message.NewReader(reply.Body)
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	keys := make([]string, n)
	vals := make([][]byte, n)
	for i := uint32(0); i < n; i++ {
		keys[i], err = r.GetString()
		if err != nil {
			return nil, err
		}
		vals[i], err = r.GetBytes()
		if err != nil {
			return nil, err
		}
	}
	return &networkKVIterator{keys: keys, vals: vals}, nil
}

func (kv *KV) roundTrip(ctx context.Context, req *message.Message) (*message.Message, error) {
	pool := kv.c.kvRoute.pool
	if pool == nil {
		return nil, fmt.Errorf("julea: kv backend %q has no client component and no server pool configured", kv.c.Config.KV.Backend)
	}
	idx := kv.serverIndex()
	conn, err := pool.Pop(ctx, idx)
	if err != nil {
		return nil, fmt.Errorf("julea: pop kv connection: %w", err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		pool.Drop(idx, conn)
		return nil, fmt.Errorf("julea: send kv request: %w", err)
	}
	if !req.Header.Flags.RequiresReply() {
		pool.Push(idx, conn)
		return &message.Message{}, nil
	}
	reply, err := message.ReadMessage(conn)
	if err != nil {
		pool.Drop(idx, conn)
		return nil, fmt.Errorf("julea: read kv reply: %w", err)
	}
	pool.Push(idx, conn)
	return reply, nil
}

type networkKVIterator struct {
	keys []string
	vals [][]byte
	pos  int
}

func (it *networkKVIterator) Next(_ context.Context) (string, []byte, bool, error) {
	if it.pos >= len(it.keys) {
		return "", nil, false, nil
	}
	k, v := it.keys[it.pos], it.vals[it.pos]
	it.pos++
	return k, v, true, nil
}

// safetyFlags derives the message's safety flags from a batch's
// persistency aspect.
func safetyFlags(sem semantics.Semantics) message.Flags {
	switch sem.Persistency {
	case semantics.PersistencyStorage:
		return message.FlagSafetyStorage
	case semantics.PersistencyNetwork:
		return message.FlagSafetyNetwork
	default:
		return 0
	}
}
