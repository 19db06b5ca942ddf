// Package redis implements the KV backend driver on top of
// github.com/redis/go-redis/v9. A (namespace, key) pair becomes the
// single Redis key "<namespace>:<key>".
//
// Batched put/delete accumulate on a redis.Pipeliner and flush together
// at BatchExecute.
package redis

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/semantics"
)

func init() {
	backend.DefaultRegistry.Register("redis", backend.Factory{
		Info: backend.Info{
			Name:      "redis",
			Component: message.ComponentClient | message.ComponentServer,
		},
		KV: func() backend.KVBackend { return NewKVBackend() },
	})
}

// KVBackend is the go-redis-backed implementation of backend.KVBackend.
type KVBackend struct{}

// NewKVBackend returns a fresh KVBackend.
func NewKVBackend() *KVBackend { return &KVBackend{} }

type kvHandle struct {
	rdb redis.UniversalClient
}

// Init connects to addr (a "host:port" string, or a full redis:// URL).
func (*KVBackend) Init(ctx context.Context, addr string) (any, error) {
	opts, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &kvHandle{rdb: rdb}, nil
}

func parseAddr(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

func (*KVBackend) Fini(h any) error {
	return h.(*kvHandle).rdb.Close()
}

func wireKey(namespace, key string) string {
	return namespace + ":" + key
}

type kvBatchHandle struct {
	pipe redis.Pipeliner
	ns   string
}

// BatchStart opens a pipeline; every Put/Delete queued against it
// accumulates client-side until BatchExecute sends them as one round
// trip, the batching JULEA's operation cache and this driver's
// pipelining both aim for, independently, at different layers.
func (b *KVBackend) BatchStart(_ context.Context, h any, namespace string, _ semantics.Semantics) (any, error) {
	hdl := h.(*kvHandle)
	return &kvBatchHandle{pipe: hdl.rdb.Pipeline(), ns: namespace}, nil
}

func (b *KVBackend) BatchExecute(ctx context.Context, batch any) error {
	bh := batch.(*kvBatchHandle)
	_, err := bh.pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (b *KVBackend) Put(batch any, key string, value []byte) error {
	bh := batch.(*kvBatchHandle)
	bh.pipe.Set(context.Background(), wireKey(bh.ns, key), value, 0)
	return nil
}

func (b *KVBackend) Delete(batch any, key string) error {
	bh := batch.(*kvBatchHandle)
	bh.pipe.Del(context.Background(), wireKey(bh.ns, key))
	return nil
}

func (b *KVBackend) Get(ctx context.Context, h any, namespace, key string) ([]byte, bool, error) {
	hdl := h.(*kvHandle)
	v, err := hdl.rdb.Get(ctx, wireKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

type kvIterator struct {
	keys []string
	vals [][]byte
	pos  int
}

func (it *kvIterator) Next(_ context.Context) (string, []byte, bool, error) {
	if it.pos >= len(it.keys) {
		return "", nil, false, nil
	}
	k, v := it.keys[it.pos], it.vals[it.pos]
	it.pos++
	return k, v, true, nil
}

func (b *KVBackend) GetAll(ctx context.Context, h any, namespace string) (backend.KVIterator, error) {
	return b.GetByPrefix(ctx, h, namespace, "")
}

// GetByPrefix walks the keyspace with SCAN rather than KEYS, avoiding
// the latter's documented risk of blocking the server on a large
// keyspace.
func (b *KVBackend) GetByPrefix(ctx context.Context, h any, namespace, prefix string) (backend.KVIterator, error) {
	hdl := h.(*kvHandle)
	pattern := wireKey(namespace, prefix) + "*"

	var wireKeys []string
	var cursor uint64
	for {
		batch, next, err := hdl.rdb.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, err
		}
		wireKeys = append(wireKeys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(wireKeys)

	nsPrefix := namespace + ":"
	keys := make([]string, len(wireKeys))
	for i, wk := range wireKeys {
		keys[i] = strings.TrimPrefix(wk, nsPrefix)
	}

	vals := make([][]byte, len(keys))
	if len(wireKeys) > 0 {
		raw, err := hdl.rdb.MGet(ctx, wireKeys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range raw {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok {
				vals[i] = []byte(s)
			}
		}
	}
	return &kvIterator{keys: keys, vals: vals}, nil
}
