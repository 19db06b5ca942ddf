// Package operation defines the deferred unit of work inside a batch:
// a key for grouping, an opaque payload, an executor, and a disposer.
package operation

import (
	"context"

	"github.com/juleago/julea/internal/semantics"
)

// ExecFunc executes a fused group of same-kind operation payloads as
// one backend call. It must accept any non-empty sublist and must
// produce the same externally observable result as invoking it once
// per element.
type ExecFunc func(ctx context.Context, payloads []any, sem semantics.Semantics) bool

// FreeFunc disposes one operation's payload after execution.
type FreeFunc func(data any)

// Operation is a single deferred unit inside a Batch.
//
// Go cannot compare func values (other than to nil), and comparing
// them via reflect.Value.Pointer is unsound for closures that capture
// different state but happen to share code. Operation therefore
// carries an explicit Kind tag as the fusion-group identity, set by
// the facade that creates the operation (e.g. "kv.put",
// "object.write"); two operations only fuse when both Kind and Key
// match.
type Operation struct {
	Kind string
	Key  string
	Data any
	Exec ExecFunc
	Free FreeFunc

	// CanCache and RequiredBytes are consulted only by the operation
	// cache's admission test. Create/delete/put/write operations set
	// CanCache true; operations that must return data to the caller
	// (gets, iterations, status queries, reads) leave it false.
	CanCache      bool
	RequiredBytes uint64
}

// Dispose invokes Free, tolerating a nil Free for operations with no
// disposable payload. Callers (package batch) must call this exactly
// once per operation.
func (o *Operation) Dispose() {
	if o.Free != nil {
		o.Free(o.Data)
	}
}
