package julea_test

import (
	"context"
	"testing"

	"github.com/juleago/julea/internal/backend"
	_ "github.com/juleago/julea/internal/backend/driver/memory"
	"github.com/juleago/julea/internal/config"
	"github.com/juleago/julea/internal/distribution"
	"github.com/juleago/julea/internal/julea"
	"github.com/juleago/julea/internal/semantics"
)

func newInProcessClient(t *testing.T) *julea.Client {
	t.Helper()
	cfg := &config.Configuration{
		Object: config.BackendConfig{Backend: "memory", Component: config.ComponentClient},
		KV:     config.BackendConfig{Backend: "memory", Component: config.ComponentClient},
		DB:     config.BackendConfig{Backend: "memory", Component: config.ComponentClient},
	}
	c, err := julea.NewClient(context.Background(), cfg, backend.DefaultRegistry, julea.Pools{}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestKVPutGetDelete(t *testing.T) {
	c := newInProcessClient(t)
	ctx := context.Background()
	kv := c.KV("ns")

	b := c.NewBatch(semantics.Default())
	kv.Put(b, "k1", []byte("v1"))
	if ok, err := b.Execute(ctx); err != nil || !ok {
		t.Fatalf("put batch: ok=%v err=%v", ok, err)
	}

	b2 := c.NewBatch(semantics.Default())
	res := kv.Get(b2, "k1")
	if ok, err := b2.Execute(ctx); err != nil || !ok {
		t.Fatalf("get batch: ok=%v err=%v", ok, err)
	}
	if !res.Found || string(res.Value) != "v1" {
		t.Errorf("got %+v, want found v1", res)
	}

	b3 := c.NewBatch(semantics.Default())
	kv.Delete(b3, "k1")
	if ok, err := b3.Execute(ctx); err != nil || !ok {
		t.Fatalf("delete batch: ok=%v err=%v", ok, err)
	}

	b4 := c.NewBatch(semantics.Default())
	res2 := kv.Get(b4, "k1")
	if ok, err := b4.Execute(ctx); err != nil || !ok {
		t.Fatalf("get-after-delete batch: ok=%v err=%v", ok, err)
	}
	if res2.Found {
		t.Error("expected key to be gone after delete")
	}
}

func TestKVGetByPrefix(t *testing.T) {
	c := newInProcessClient(t)
	ctx := context.Background()
	kv := c.KV("ns")

	b := c.NewBatch(semantics.Default())
	kv.Put(b, "a/1", []byte("1"))
	kv.Put(b, "a/2", []byte("2"))
	kv.Put(b, "b/1", []byte("3"))
	if ok, err := b.Execute(ctx); err != nil || !ok {
		t.Fatalf("seed batch: ok=%v err=%v", ok, err)
	}

	it, err := kv.GetByPrefix(ctx, "a/")
	if err != nil {
		t.Fatalf("GetByPrefix: %v", err)
	}
	count := 0
	for {
		_, _, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 keys under prefix a/, got %d", count)
	}
}

func TestDistributedObjectWriteRead(t *testing.T) {
	c := newInProcessClient(t)
	ctx := context.Background()
	obj := c.DistributedObject("ns", "file.bin", distribution.NewSingleServer(0), 1)

	data := []byte("some distributed object payload")
	wb := c.NewBatch(semantics.Default())
	written := obj.Write(wb, 0, data)
	if ok, err := wb.Execute(ctx); err != nil || !ok {
		t.Fatalf("write batch: ok=%v err=%v", ok, err)
	}
	if *written != uint64(len(data)) {
		t.Errorf("written = %d, want %d", *written, len(data))
	}

	rb := c.NewBatch(semantics.Default())
	out, read := obj.Read(rb, 0, uint64(len(data)))
	if ok, err := rb.Execute(ctx); err != nil || !ok {
		t.Fatalf("read batch: ok=%v err=%v", ok, err)
	}
	if string(*out) != string(data) {
		t.Errorf("read back %q, want %q", *out, data)
	}
	if *read != uint64(len(data)) {
		t.Errorf("read = %d, want %d", *read, len(data))
	}

	// Reading past the object's end reports the short count and
	// reslices the buffer instead of zero-padding it.
	sb := c.NewBatch(semantics.Default())
	short, shortRead := obj.Read(sb, 0, uint64(len(data))+64)
	if ok, err := sb.Execute(ctx); err != nil || !ok {
		t.Fatalf("short read batch: ok=%v err=%v", ok, err)
	}
	if *shortRead != uint64(len(data)) {
		t.Errorf("short read = %d, want %d", *shortRead, len(data))
	}
	if string(*short) != string(data) {
		t.Errorf("short read buffer %q, want %q", *short, data)
	}
}

func TestObjectLifecycleStatusAndNames(t *testing.T) {
	c := newInProcessClient(t)
	ctx := context.Background()
	obj := c.DistributedObject("ns", "file.bin", distribution.NewSingleServer(0), 1)

	cb := c.NewBatch(semantics.Default())
	obj.Create(cb)
	if ok, err := cb.Execute(ctx); err != nil || !ok {
		t.Fatalf("create batch: ok=%v err=%v", ok, err)
	}

	data := []byte("sixteen bytes!!!")
	wb := c.NewBatch(semantics.Default())
	obj.Write(wb, 0, data)
	if ok, err := wb.Execute(ctx); err != nil || !ok {
		t.Fatalf("write batch: ok=%v err=%v", ok, err)
	}

	sb := c.NewBatch(semantics.Default())
	st := obj.Status(sb)
	obj.Sync(sb)
	if ok, err := sb.Execute(ctx); err != nil || !ok {
		t.Fatalf("status batch: ok=%v err=%v", ok, err)
	}
	if st.Size != uint64(len(data)) {
		t.Errorf("status size = %d, want %d", st.Size, len(data))
	}
	if st.ModTime.IsZero() {
		t.Error("status mtime is zero")
	}

	it, err := c.ObjectNames(ctx, "ns", "file")
	if err != nil {
		t.Fatalf("ObjectNames: %v", err)
	}
	name, ok, err := it.Next(ctx)
	if err != nil || !ok || name != "file.bin" {
		t.Errorf("ObjectNames first = %q %v %v, want file.bin", name, ok, err)
	}

	db := c.NewBatch(semantics.Default())
	obj.Delete(db)
	if ok, err := db.Execute(ctx); err != nil || !ok {
		t.Fatalf("delete batch: ok=%v err=%v", ok, err)
	}
	it, err = c.ObjectNames(ctx, "ns", "")
	if err != nil {
		t.Fatalf("ObjectNames after delete: %v", err)
	}
	if _, ok, _ := it.Next(ctx); ok {
		t.Error("expected no objects after delete")
	}
}

func TestDBSchemaAndInsertQuery(t *testing.T) {
	c := newInProcessClient(t)
	ctx := context.Background()

	schema := backend.Schema{
		Name:    "people",
		Columns: []backend.Column{{Name: "name", Type: backend.TypeString}, {Name: "age", Type: backend.TypeInt32}},
	}
	dbSchema := c.DBSchema("ns")
	cb := c.NewBatch(semantics.Default())
	dbSchema.Create(cb, "people", schema)
	if ok, err := cb.Execute(ctx); err != nil || !ok {
		t.Fatalf("schema create batch: ok=%v err=%v", ok, err)
	}

	gb := c.NewBatch(semantics.Default())
	got, errOut := dbSchema.Get(gb, "people")
	if ok, err := gb.Execute(ctx); err != nil || !ok {
		t.Fatalf("schema get batch: ok=%v err=%v", ok, err)
	}
	if errOut != nil && *errOut != nil {
		t.Fatalf("schema get: %v", *errOut)
	}
	if got.Name != "people" || len(got.Columns) != 2 {
		t.Errorf("unexpected schema: %+v", got)
	}

	entry := c.DBEntry("ns")
	ib := c.NewBatch(semantics.Default())
	entry.Insert(ib, "people", backend.Row{"name": "alice", "age": int32(30)})
	if ok, err := ib.Execute(ctx); err != nil || !ok {
		t.Fatalf("insert batch: ok=%v err=%v", ok, err)
	}

	sel := &backend.Selector{Mode: backend.ModeAND, Leaves: []backend.Leaf{{Name: "name", Operator: backend.OpEQ, Value: "alice"}}}
	qb := c.NewBatch(semantics.Default())
	result, qerr := entry.Query(qb, "people", sel)
	if ok, err := qb.Execute(ctx); err != nil || !ok {
		t.Fatalf("query batch: ok=%v err=%v", ok, err)
	}
	if qerr != nil && *qerr != nil {
		t.Fatalf("query error: %v", *qerr)
	}
	if len(*result) != 1 {
		t.Fatalf("expected 1 row, got %d", len(*result))
	}
	if (*result)[0]["age"] != int32(30) {
		t.Errorf("age = %v, want 30", (*result)[0]["age"])
	}
}
