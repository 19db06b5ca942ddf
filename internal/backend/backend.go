// Package backend defines the three backend vtables — object,
// key-value, and structured (DB) — as Go interfaces, plus the driver
// registry that loads a named implementation as a client or server
// component.
//
// Every vtable method takes an opaque handle as its first argument. Go
// has no associated types on interfaces, so handles are carried as
// `any`; concrete drivers type-assert their own concrete handle type
// back out, and callers must not inspect a handle.
package backend

import (
	"context"
	"time"

	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/semantics"
)

// Info describes a driver: its name and which component(s) (client,
// server, or both) it implements. LoadClient only accepts a driver
// whose Component includes ComponentClient; LoadServer only one
// including ComponentServer. Which kinds a driver serves follows from
// which Factory constructors it populates.
type Info struct {
	Name      string
	Component message.Component
}

// ObjectIterator walks names produced by ObjectBackend.GetAll or
// GetByPrefix.
type ObjectIterator interface {
	// Next advances the iterator. ok is false once iteration is
	// exhausted; err is non-nil only on a genuine backend failure.
	Next(ctx context.Context) (name string, ok bool, err error)
}

// ObjectBackend is the vtable for one entity = one opaque byte blob
// addressable by (namespace, path).
type ObjectBackend interface {
	Init(ctx context.Context, path string) (handle any, err error)
	Fini(handle any) error

	Create(ctx context.Context, handle any, namespace, path string) (obj any, err error)
	Open(ctx context.Context, handle any, namespace, path string) (obj any, err error)
	Delete(ctx context.Context, obj any) error
	Close(obj any) error

	Status(ctx context.Context, obj any) (mtime time.Time, size uint64, err error)
	Sync(ctx context.Context, obj any) error

	// Read and Write permit partial I/O. Callers do not retry on a
	// short count; they pass it on as the result.
	Read(ctx context.Context, obj any, buf []byte, offset uint64) (n int, err error)
	Write(ctx context.Context, obj any, buf []byte, offset uint64) (n int, err error)

	GetAll(ctx context.Context, handle any, namespace string) (ObjectIterator, error)
	GetByPrefix(ctx context.Context, handle any, namespace, prefix string) (ObjectIterator, error)
}

// KVIterator walks (key, value) pairs produced by KVBackend.GetAll or
// GetByPrefix.
type KVIterator interface {
	Next(ctx context.Context) (key string, value []byte, ok bool, err error)
}

// KVBackend is the vtable for a namespaced key/value store with
// batched writes.
type KVBackend interface {
	Init(ctx context.Context, path string) (handle any, err error)
	Fini(handle any) error

	BatchStart(ctx context.Context, handle any, namespace string, sem semantics.Semantics) (batch any, err error)
	BatchExecute(ctx context.Context, batch any) error

	Put(batch any, key string, value []byte) error
	Delete(batch any, key string) error

	// Get returns a freshly allocated copy owned by the caller. It
	// takes the backend handle and namespace directly rather than a
	// batch: reads are never deferred into a batch (they must return
	// data to the caller), so there is no batch to read through.
	Get(ctx context.Context, handle any, namespace, key string) (value []byte, found bool, err error)

	GetAll(ctx context.Context, handle any, namespace string) (KVIterator, error)
	GetByPrefix(ctx context.Context, handle any, namespace, prefix string) (KVIterator, error)
}

// DBIterator walks rows produced by DBBackend.Query.
type DBIterator interface {
	// Next returns io.EOF-like termination via (Row{}, false, nil).
	Next(ctx context.Context) (row Row, ok bool, err error)
}

// DBBackend is the vtable for schema-aware structured records.
type DBBackend interface {
	Init(ctx context.Context, path string) (handle any, err error)
	Fini(handle any) error

	BatchStart(ctx context.Context, handle any, namespace string, sem semantics.Semantics) (batch any, err error)
	BatchExecute(ctx context.Context, batch any) error

	SchemaCreate(ctx context.Context, batch any, name string, schema Schema) error
	SchemaGet(ctx context.Context, batch any, name string) (Schema, error)
	SchemaDelete(ctx context.Context, batch any, name string) error

	Insert(ctx context.Context, batch any, name string, row Row) error
	Update(ctx context.Context, batch any, name string, sel *Selector, row Row) error
	Delete(ctx context.Context, batch any, name string, sel *Selector) error
	Query(ctx context.Context, batch any, name string, sel *Selector) (DBIterator, error)
}

// Factory constructs a fresh driver instance. Drivers register a
// Factory under a name at init time (see driver subpackages' init()
// functions). Drivers are linked statically, so "loading" is a map
// lookup rather than dlopen.
type Factory struct {
	Info   Info
	Object func() ObjectBackend
	KV     func() KVBackend
	DB     func() DBBackend
}

// Registry is the process-wide table of available drivers, keyed by
// name. Register is normally called from a driver package's init().
type Registry struct {
	drivers map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Factory)}
}

// DefaultRegistry is the registry driver packages register themselves
// into via their init() functions.
var DefaultRegistry = NewRegistry()

// Register adds f under name, panicking on a duplicate name: a
// duplicate registration is a programming error caught at process
// start, not a runtime condition to handle gracefully.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.drivers[name]; exists {
		panic("backend: duplicate driver registration: " + name)
	}
	r.drivers[name] = f
}

// ErrComponentNotSupported is returned by LoadClient/LoadServer when
// the named driver does not implement the requested component.
var ErrComponentNotSupported = &componentError{}

type componentError struct{}

func (*componentError) Error() string { return "backend: driver does not support requested component" }

// LoadClient returns the named driver's client-side implementation for
// the given kind, or ErrComponentNotSupported if the driver's Component
// mask lacks ComponentClient.
func (r *Registry) LoadClient(name string, kind message.Kind) (any, error) {
	return r.load(name, kind, message.ComponentClient)
}

// LoadServer is LoadClient's server-side counterpart.
func (r *Registry) LoadServer(name string, kind message.Kind) (any, error) {
	return r.load(name, kind, message.ComponentServer)
}

func (r *Registry) load(name string, kind message.Kind, want message.Component) (any, error) {
	f, ok := r.drivers[name]
	if !ok {
		return nil, &unknownDriverError{name: name}
	}
	if f.Info.Component&want == 0 {
		return nil, ErrComponentNotSupported
	}
	switch kind {
	case message.KindObject:
		if f.Object == nil {
			return nil, ErrComponentNotSupported
		}
		return f.Object(), nil
	case message.KindKV:
		if f.KV == nil {
			return nil, ErrComponentNotSupported
		}
		return f.KV(), nil
	case message.KindDB:
		if f.DB == nil {
			return nil, ErrComponentNotSupported
		}
		return f.DB(), nil
	default:
		return nil, &unknownDriverError{name: name}
	}
}

type unknownDriverError struct{ name string }

func (e *unknownDriverError) Error() string { return "backend: unknown driver: " + e.name }
