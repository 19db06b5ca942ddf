// Package memory implements the reference backend driver: an
// in-memory object, KV, and DB backend with no external dependency,
// three independent stores sharing the same copy-in/copy-out
// discipline. Tests run against this driver so they need no database,
// cache, or object-storage service.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/semantics"
)

func init() {
	backend.DefaultRegistry.Register("memory", backend.Factory{
		Info: backend.Info{
			Name:      "memory",
			Component: message.ComponentClient | message.ComponentServer,
		},
		Object: func() backend.ObjectBackend { return NewObjectBackend() },
		KV:     func() backend.KVBackend { return NewKVBackend() },
		DB:     func() backend.DBBackend { return NewDBBackend() },
	})
}

// nsKey scopes every entry by namespace, the first-level partition
// shared by all three backend kinds.
type nsKey struct {
	namespace string
	key       string
}

// ---- Object backend --------------------------------------------------

type objectHandle struct {
	mu   sync.RWMutex
	data map[nsKey]*objectEntry
}

type objectEntry struct {
	bytes []byte
	mtime time.Time
}

// ObjectBackend is the in-memory implementation of backend.ObjectBackend.
type ObjectBackend struct{}

// NewObjectBackend returns a fresh ObjectBackend.
func NewObjectBackend() *ObjectBackend { return &ObjectBackend{} }

func (*ObjectBackend) Init(_ context.Context, _ string) (any, error) {
	return &objectHandle{data: make(map[nsKey]*objectEntry)}, nil
}

func (*ObjectBackend) Fini(_ any) error { return nil }

type objectRef struct {
	h    *objectHandle
	key  nsKey
	open bool
}

func (b *ObjectBackend) Create(_ context.Context, h any, namespace, path string) (any, error) {
	hdl := h.(*objectHandle)
	k := nsKey{namespace, path}
	hdl.mu.Lock()
	if _, exists := hdl.data[k]; !exists {
		hdl.data[k] = &objectEntry{mtime: time.Now()}
	}
	hdl.mu.Unlock()
	return &objectRef{h: hdl, key: k, open: true}, nil
}

func (b *ObjectBackend) Open(_ context.Context, h any, namespace, path string) (any, error) {
	hdl := h.(*objectHandle)
	k := nsKey{namespace, path}
	hdl.mu.RLock()
	_, exists := hdl.data[k]
	hdl.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("memory: object not found: %s/%s", namespace, path)
	}
	return &objectRef{h: hdl, key: k, open: true}, nil
}

func (b *ObjectBackend) Delete(_ context.Context, obj any) error {
	ref := obj.(*objectRef)
	ref.h.mu.Lock()
	delete(ref.h.data, ref.key)
	ref.h.mu.Unlock()
	return nil
}

func (b *ObjectBackend) Close(obj any) error {
	obj.(*objectRef).open = false
	return nil
}

func (b *ObjectBackend) Status(_ context.Context, obj any) (time.Time, uint64, error) {
	ref := obj.(*objectRef)
	ref.h.mu.RLock()
	defer ref.h.mu.RUnlock()
	entry, ok := ref.h.data[ref.key]
	if !ok {
		return time.Time{}, 0, fmt.Errorf("memory: object not found")
	}
	return entry.mtime, uint64(len(entry.bytes)), nil
}

func (b *ObjectBackend) Sync(_ context.Context, _ any) error { return nil }

func (b *ObjectBackend) Read(_ context.Context, obj any, buf []byte, offset uint64) (int, error) {
	ref := obj.(*objectRef)
	ref.h.mu.RLock()
	defer ref.h.mu.RUnlock()
	entry, ok := ref.h.data[ref.key]
	if !ok {
		return 0, fmt.Errorf("memory: object not found")
	}
	if offset >= uint64(len(entry.bytes)) {
		return 0, nil
	}
	n := copy(buf, entry.bytes[offset:])
	return n, nil
}

func (b *ObjectBackend) Write(_ context.Context, obj any, buf []byte, offset uint64) (int, error) {
	ref := obj.(*objectRef)
	ref.h.mu.Lock()
	defer ref.h.mu.Unlock()
	entry, ok := ref.h.data[ref.key]
	if !ok {
		entry = &objectEntry{}
		ref.h.data[ref.key] = entry
	}
	end := offset + uint64(len(buf))
	if end > uint64(len(entry.bytes)) {
		grown := make([]byte, end)
		copy(grown, entry.bytes)
		entry.bytes = grown
	}
	n := copy(entry.bytes[offset:], buf)
	entry.mtime = time.Now()
	return n, nil
}

type objectIterator struct {
	names []string
	pos   int
}

func (it *objectIterator) Next(_ context.Context) (string, bool, error) {
	if it.pos >= len(it.names) {
		return "", false, nil
	}
	name := it.names[it.pos]
	it.pos++
	return name, true, nil
}

func (b *ObjectBackend) GetAll(_ context.Context, h any, namespace string) (backend.ObjectIterator, error) {
	return b.GetByPrefix(context.Background(), h, namespace, "")
}

func (b *ObjectBackend) GetByPrefix(_ context.Context, h any, namespace, prefix string) (backend.ObjectIterator, error) {
	hdl := h.(*objectHandle)
	hdl.mu.RLock()
	defer hdl.mu.RUnlock()
	var names []string
	for k := range hdl.data {
		if k.namespace == namespace && bytes.HasPrefix([]byte(k.key), []byte(prefix)) {
			names = append(names, k.key)
		}
	}
	sort.Strings(names)
	return &objectIterator{names: names}, nil
}

// ---- KV backend -------------------------------------------------------

type kvHandle struct {
	mu   sync.RWMutex
	data map[nsKey][]byte
}

// KVBackend is the in-memory implementation of backend.KVBackend.
type KVBackend struct{}

// NewKVBackend returns a fresh KVBackend.
func NewKVBackend() *KVBackend { return &KVBackend{} }

func (*KVBackend) Init(_ context.Context, _ string) (any, error) {
	return &kvHandle{data: make(map[nsKey][]byte)}, nil
}

func (*KVBackend) Fini(_ any) error { return nil }

type kvOp struct {
	del   bool
	key   string
	value []byte
}

type kvBatchHandle struct {
	h         *kvHandle
	namespace string
	sem       semantics.Semantics
	ops       []kvOp
}

func (b *KVBackend) BatchStart(_ context.Context, h any, namespace string, sem semantics.Semantics) (any, error) {
	return &kvBatchHandle{h: h.(*kvHandle), namespace: namespace, sem: sem}, nil
}

// BatchExecute applies every put/delete accumulated since BatchStart
// in submission order.
func (b *KVBackend) BatchExecute(_ context.Context, batch any) error {
	bh := batch.(*kvBatchHandle)
	bh.h.mu.Lock()
	defer bh.h.mu.Unlock()
	for _, op := range bh.ops {
		k := nsKey{bh.namespace, op.key}
		if op.del {
			delete(bh.h.data, k)
			continue
		}
		cp := make([]byte, len(op.value))
		copy(cp, op.value)
		bh.h.data[k] = cp
	}
	bh.ops = nil
	return nil
}

func (b *KVBackend) Put(batch any, key string, value []byte) error {
	bh := batch.(*kvBatchHandle)
	bh.ops = append(bh.ops, kvOp{key: key, value: value})
	return nil
}

func (b *KVBackend) Delete(batch any, key string) error {
	bh := batch.(*kvBatchHandle)
	bh.ops = append(bh.ops, kvOp{del: true, key: key})
	return nil
}

func (b *KVBackend) Get(_ context.Context, h any, namespace, key string) ([]byte, bool, error) {
	hdl := h.(*kvHandle)
	hdl.mu.RLock()
	defer hdl.mu.RUnlock()
	v, ok := hdl.data[nsKey{namespace, key}]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
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

func (b *KVBackend) GetAll(_ context.Context, h any, namespace string) (backend.KVIterator, error) {
	return b.GetByPrefix(context.Background(), h, namespace, "")
}

func (b *KVBackend) GetByPrefix(_ context.Context, h any, namespace, prefix string) (backend.KVIterator, error) {
	hdl := h.(*kvHandle)
	hdl.mu.RLock()
	defer hdl.mu.RUnlock()

	var keys []string
	for k := range hdl.data {
		if k.namespace == namespace && bytes.HasPrefix([]byte(k.key), []byte(prefix)) {
			keys = append(keys, k.key)
		}
	}
	sort.Strings(keys)

	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = hdl.data[nsKey{namespace, k}]
	}
	return &kvIterator{keys: keys, vals: vals}, nil
}
