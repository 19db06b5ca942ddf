package memory

import (
	"context"
	"sync"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/semantics"
)

type dbHandle struct {
	mu      sync.RWMutex
	schemas map[nsKey]backend.Schema
	rows    map[nsKey][]backend.Row
}

// DBBackend is the in-memory implementation of backend.DBBackend. It
// evaluates selectors with backend.Selector.Matches rather than
// compiling them into a native query language, since there is no
// underlying query engine to compile into.
type DBBackend struct{}

// NewDBBackend returns a fresh DBBackend.
func NewDBBackend() *DBBackend { return &DBBackend{} }

func (*DBBackend) Init(_ context.Context, _ string) (any, error) {
	return &dbHandle{
		schemas: make(map[nsKey]backend.Schema),
		rows:    make(map[nsKey][]backend.Row),
	}, nil
}

func (*DBBackend) Fini(_ any) error { return nil }

type dbBatchHandle struct {
	h         *dbHandle
	namespace string
	sem       semantics.Semantics
}

func (b *DBBackend) BatchStart(_ context.Context, h any, namespace string, sem semantics.Semantics) (any, error) {
	return &dbBatchHandle{h: h.(*dbHandle), namespace: namespace, sem: sem}, nil
}

// BatchExecute is a no-op: unlike the KV driver, this reference DB
// driver applies schema/row mutations immediately rather than
// deferring them to batch end, since there is no underlying
// transaction log to commit. driver/mongo likewise applies each call
// on its own round trip and has a no-op BatchExecute.
func (b *DBBackend) BatchExecute(_ context.Context, _ any) error { return nil }

func (b *DBBackend) SchemaCreate(_ context.Context, batch any, name string, schema backend.Schema) error {
	bh := batch.(*dbBatchHandle)
	k := nsKey{bh.namespace, name}
	bh.h.mu.Lock()
	defer bh.h.mu.Unlock()
	if _, exists := bh.h.schemas[k]; exists {
		return backend.NewDBError(backend.ErrSQLConstraint, "schema %q already exists in namespace %q", name, bh.namespace)
	}
	bh.h.schemas[k] = schema
	return nil
}

func (b *DBBackend) SchemaGet(_ context.Context, batch any, name string) (backend.Schema, error) {
	bh := batch.(*dbBatchHandle)
	bh.h.mu.RLock()
	defer bh.h.mu.RUnlock()
	s, ok := bh.h.schemas[nsKey{bh.namespace, name}]
	if !ok {
		return backend.Schema{}, backend.NewDBError(backend.ErrSchemaNotFound, "schema %q not found in namespace %q", name, bh.namespace)
	}
	return s, nil
}

func (b *DBBackend) SchemaDelete(_ context.Context, batch any, name string) error {
	bh := batch.(*dbBatchHandle)
	k := nsKey{bh.namespace, name}
	bh.h.mu.Lock()
	defer bh.h.mu.Unlock()
	if _, ok := bh.h.schemas[k]; !ok {
		return backend.NewDBError(backend.ErrSchemaNotFound, "schema %q not found in namespace %q", name, bh.namespace)
	}
	delete(bh.h.schemas, k)
	delete(bh.h.rows, k)
	return nil
}

func (b *DBBackend) Insert(_ context.Context, batch any, name string, row backend.Row) error {
	bh := batch.(*dbBatchHandle)
	k := nsKey{bh.namespace, name}
	bh.h.mu.Lock()
	defer bh.h.mu.Unlock()
	if _, ok := bh.h.schemas[k]; !ok {
		return backend.NewDBError(backend.ErrSchemaNotFound, "schema %q not found in namespace %q", name, bh.namespace)
	}
	cp := make(backend.Row, len(row))
	for col, v := range row {
		cp[col] = v
	}
	bh.h.rows[k] = append(bh.h.rows[k], cp)
	return nil
}

func (b *DBBackend) Update(_ context.Context, batch any, name string, sel *backend.Selector, row backend.Row) error {
	bh := batch.(*dbBatchHandle)
	k := nsKey{bh.namespace, name}
	bh.h.mu.Lock()
	defer bh.h.mu.Unlock()
	rows, ok := bh.h.rows[k]
	if !ok {
		return backend.NewDBError(backend.ErrSchemaNotFound, "schema %q not found in namespace %q", name, bh.namespace)
	}
	for i, r := range rows {
		match, err := sel.Matches(r)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		for col, v := range row {
			rows[i][col] = v
		}
	}
	return nil
}

func (b *DBBackend) Delete(_ context.Context, batch any, name string, sel *backend.Selector) error {
	bh := batch.(*dbBatchHandle)
	k := nsKey{bh.namespace, name}
	bh.h.mu.Lock()
	defer bh.h.mu.Unlock()
	rows, ok := bh.h.rows[k]
	if !ok {
		return backend.NewDBError(backend.ErrSchemaNotFound, "schema %q not found in namespace %q", name, bh.namespace)
	}
	kept := rows[:0]
	for _, r := range rows {
		match, err := sel.Matches(r)
		if err != nil {
			return err
		}
		if !match {
			kept = append(kept, r)
		}
	}
	bh.h.rows[k] = kept
	return nil
}

type dbIterator struct {
	rows []backend.Row
	pos  int
}

func (it *dbIterator) Next(_ context.Context) (backend.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}

func (b *DBBackend) Query(_ context.Context, batch any, name string, sel *backend.Selector) (backend.DBIterator, error) {
	bh := batch.(*dbBatchHandle)
	k := nsKey{bh.namespace, name}
	bh.h.mu.RLock()
	defer bh.h.mu.RUnlock()
	rows, ok := bh.h.rows[k]
	if !ok {
		return nil, backend.NewDBError(backend.ErrSchemaNotFound, "schema %q not found in namespace %q", name, bh.namespace)
	}
	var matched []backend.Row
	for _, r := range rows {
		ok, err := sel.Matches(r)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, r)
		}
	}
	return &dbIterator{rows: matched}, nil
}
