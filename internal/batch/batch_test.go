package batch

import (
	"context"
	"testing"

	"github.com/juleago/julea/internal/operation"
	"github.com/juleago/julea/internal/semantics"
)

func TestFusionMergesConsecutiveSameKindOperations(t *testing.T) {
	ctx := context.Background()
	var calls [][]any

	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		calls = append(calls, payloads)
		return true
	}

	b := New(semantics.Default())
	b.Add(&operation.Operation{Kind: "kv.put", Key: "k1", Data: "a", Exec: exec})
	b.Add(&operation.Operation{Kind: "kv.put", Key: "k1", Data: "b", Exec: exec})
	b.Add(&operation.Operation{Kind: "kv.put", Key: "k2", Data: "c", Exec: exec})

	ok, err := b.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ok {
		t.Fatal("expected success")
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 fused exec calls, got %d: %+v", len(calls), calls)
	}
	if len(calls[0]) != 2 || calls[0][0] != "a" || calls[0][1] != "b" {
		t.Errorf("expected first call to fuse [a b], got %+v", calls[0])
	}
	if len(calls[1]) != 1 || calls[1][0] != "c" {
		t.Errorf("expected second call to carry [c], got %+v", calls[1])
	}
}

func TestDisposeCalledExactlyOncePerOperation(t *testing.T) {
	ctx := context.Background()
	disposed := map[string]int{}

	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool { return true }
	freeFn := func(data any) { disposed[data.(string)]++ }

	b := New(semantics.Default())
	b.Add(&operation.Operation{Kind: "k", Key: "x", Data: "a", Exec: exec, Free: freeFn})
	b.Add(&operation.Operation{Kind: "k", Key: "x", Data: "b", Exec: exec, Free: freeFn})

	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for _, k := range []string{"a", "b"} {
		if disposed[k] != 1 {
			t.Errorf("expected %q disposed exactly once, got %d", k, disposed[k])
		}
	}
}

func TestSessionConsistencyExecutesOnFinalUnref(t *testing.T) {
	ctx := context.Background()
	executed := false
	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		executed = true
		return true
	}

	sem, _ := semantics.Default().WithConsistency(semantics.ConsistencySession)
	b := New(sem)
	b.Add(&operation.Operation{Kind: "k", Key: "x", Data: 1, Exec: exec})

	if ok, err := b.Execute(ctx); err != nil || !ok {
		t.Fatalf("Execute should be a no-op returning true, got ok=%v err=%v", ok, err)
	}
	if executed {
		t.Fatal("SESSION batch must not execute on Execute()")
	}

	if err := b.Unref(ctx); err != nil {
		t.Fatalf("Unref: %v", err)
	}
	if !executed {
		t.Fatal("SESSION batch must execute on final Unref")
	}
}

type stubCache struct {
	accept  bool
	tried   bool
	flushed bool
}

func (c *stubCache) TryEnqueue(ctx context.Context, b *Batch) (bool, error) {
	c.tried = true
	return c.accept, nil
}

func (c *stubCache) Flush(ctx context.Context) error {
	c.flushed = true
	return nil
}

func TestEventualConsistencyFallsBackWhenCacheRejects(t *testing.T) {
	ctx := context.Background()
	executed := false
	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		executed = true
		return true
	}

	sem, _ := semantics.Default().WithConsistency(semantics.ConsistencyEventual)
	cache := &stubCache{accept: false}
	b := New(sem).WithCache(cache)
	b.Add(&operation.Operation{Kind: "k", Key: "x", Data: 1, Exec: exec})

	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !cache.tried {
		t.Error("expected cache admission to be attempted")
	}
	if !executed {
		t.Error("expected synchronous fallback execution when cache rejects the batch")
	}
}

func TestImmediateConsistencyFlushesCacheFirst(t *testing.T) {
	ctx := context.Background()
	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool { return true }

	cache := &stubCache{}
	b := New(semantics.Default()).WithCache(cache)
	b.Add(&operation.Operation{Kind: "k", Key: "x", Data: 1, Exec: exec})

	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !cache.flushed {
		t.Error("expected IMMEDIATE execute to flush the cache first")
	}
}

func TestExecuteAsyncAndWait(t *testing.T) {
	ctx := context.Background()
	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool { return true }

	b := New(semantics.Default())
	b.Add(&operation.Operation{Kind: "k", Key: "x", Data: 1, Exec: exec})

	var cbOK bool
	done := make(chan struct{})
	b.ExecuteAsync(ctx, func(batch *Batch, ok bool) {
		cbOK = ok
		close(done)
	})

	ok, err := b.Wait()
	<-done
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ok || !cbOK {
		t.Errorf("expected success, got Wait=%v callback=%v", ok, cbOK)
	}
}
