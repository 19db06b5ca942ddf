package julea_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/backend/driver/memory"
	"github.com/juleago/julea/internal/config"
	"github.com/juleago/julea/internal/connpool"
	"github.com/juleago/julea/internal/distribution"
	"github.com/juleago/julea/internal/julea"
	"github.com/juleago/julea/internal/opcache"
	"github.com/juleago/julea/internal/semantics"
	"github.com/juleago/julea/internal/server"
)

// startTestServer binds one in-process server carrying all three
// memory backends on a loopback listener and returns its address.
func startTestServer(t *testing.T) string {
	t.Helper()

	ob := memory.NewObjectBackend()
	oh, _ := ob.Init(context.Background(), "")
	kb := memory.NewKVBackend()
	kh, _ := kb.Init(context.Background(), "")
	db := memory.NewDBBackend()
	dh, _ := db.Init(context.Background(), "")

	srv := &server.Server{
		ObjectBackend: ob, ObjectHandle: oh,
		KVBackend: kb, KVHandle: kh,
		DBBackend: db, DBHandle: dh,
		Logf: t.Logf,
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

// newNetworkClient builds a Client with no in-process backend for any
// kind, so every facade operation ships over the framed protocol.
func newNetworkClient(t *testing.T, addr string, cache *opcache.Cache) *julea.Client {
	t.Helper()
	cfg := &config.Configuration{
		MaxConnections: 4,
		ServersObject:  []string{addr},
		ServersKV:      []string{addr},
		ServersDB:      []string{addr},
		Object:         config.BackendConfig{Backend: "memory", Component: config.ComponentServer},
		KV:             config.BackendConfig{Backend: "memory", Component: config.ComponentServer},
		DB:             config.BackendConfig{Backend: "memory", Component: config.ComponentServer},
	}
	dial := connpool.NetDialer()
	pools := julea.Pools{
		Object: connpool.New("object", cfg.ServersObject, cfg.MaxConnections, dial),
		KV:     connpool.New("kv", cfg.ServersKV, cfg.MaxConnections, dial),
		DB:     connpool.New("db", cfg.ServersDB, cfg.MaxConnections, dial),
	}
	t.Cleanup(func() {
		pools.Object.Close()
		pools.KV.Close()
		pools.DB.Close()
	})
	c, err := julea.NewClient(context.Background(), cfg, backend.DefaultRegistry, pools, cache, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNetworkKVPutGet(t *testing.T) {
	addr := startTestServer(t)
	c := newNetworkClient(t, addr, nil)
	ctx := context.Background()
	kv := c.KV("ns")

	b := c.NewBatch(semantics.Default())
	kv.Put(b, "k", []byte("hello"))
	if ok, err := b.Execute(ctx); err != nil || !ok {
		t.Fatalf("put batch: ok=%v err=%v", ok, err)
	}

	b2 := c.NewBatch(semantics.Default())
	res := kv.Get(b2, "k")
	if ok, err := b2.Execute(ctx); err != nil || !ok {
		t.Fatalf("get batch: ok=%v err=%v", ok, err)
	}
	if !res.Found || string(res.Value) != "hello" {
		t.Errorf("got %+v, want found 'hello'", res)
	}
}

func TestNetworkKVGetByPrefix(t *testing.T) {
	addr := startTestServer(t)
	c := newNetworkClient(t, addr, nil)
	ctx := context.Background()
	kv := c.KV("ns")

	b := c.NewBatch(semantics.Default())
	kv.Put(b, "aa", []byte("1"))
	kv.Put(b, "ab", []byte("2"))
	kv.Put(b, "bb", []byte("3"))
	if ok, err := b.Execute(ctx); err != nil || !ok {
		t.Fatalf("seed batch: ok=%v err=%v", ok, err)
	}

	it, err := kv.GetByPrefix(ctx, "a")
	if err != nil {
		t.Fatalf("GetByPrefix: %v", err)
	}
	var keys []string
	for {
		k, _, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		keys = append(keys, k)
	}
	if len(keys) != 2 || keys[0] != "aa" || keys[1] != "ab" {
		t.Errorf("keys = %v, want [aa ab]", keys)
	}
}

func TestNetworkObjectWriteRead(t *testing.T) {
	addr := startTestServer(t)
	c := newNetworkClient(t, addr, nil)
	ctx := context.Background()

	obj := c.DistributedObject("ns", "blob", distribution.NewSingleServer(0), 1)
	data := []byte("payload crossing the wire")

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
}

func TestNetworkObjectLifecycleStatusAndNames(t *testing.T) {
	addr := startTestServer(t)
	c := newNetworkClient(t, addr, nil)
	ctx := context.Background()
	obj := c.DistributedObject("ns", "thing", distribution.NewSingleServer(0), 1)

	cb := c.NewBatch(semantics.Default())
	obj.Create(cb)
	if ok, err := cb.Execute(ctx); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}

	wb := c.NewBatch(semantics.Default())
	obj.Write(wb, 0, []byte("12345"))
	if ok, err := wb.Execute(ctx); err != nil || !ok {
		t.Fatalf("write: ok=%v err=%v", ok, err)
	}

	sb := c.NewBatch(semantics.Default())
	st := obj.Status(sb)
	if ok, err := sb.Execute(ctx); err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if st.Size != 5 {
		t.Errorf("status size = %d, want 5", st.Size)
	}

	it, err := c.ObjectNames(ctx, "ns", "")
	if err != nil {
		t.Fatalf("ObjectNames: %v", err)
	}
	name, ok, err := it.Next(ctx)
	if err != nil || !ok || name != "thing" {
		t.Errorf("ObjectNames = %q %v %v, want thing", name, ok, err)
	}

	db := c.NewBatch(semantics.Default())
	obj.Delete(db)
	if ok, err := db.Execute(ctx); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
}

func TestNetworkDBSchemaInsertQuery(t *testing.T) {
	addr := startTestServer(t)
	c := newNetworkClient(t, addr, nil)
	ctx := context.Background()

	schema := backend.Schema{
		Name: "files",
		Columns: []backend.Column{
			{Name: "path", Type: backend.TypeString},
			{Name: "size", Type: backend.TypeUint64},
		},
		Indexes: [][]string{{"path"}},
	}
	ds := c.DBSchema("ns")
	cb := c.NewBatch(semantics.Default())
	ds.Create(cb, "files", schema)
	if ok, err := cb.Execute(ctx); err != nil || !ok {
		t.Fatalf("schema create: ok=%v err=%v", ok, err)
	}

	gb := c.NewBatch(semantics.Default())
	got, errOut := ds.Get(gb, "files")
	if ok, err := gb.Execute(ctx); err != nil || !ok {
		t.Fatalf("schema get: ok=%v err=%v", ok, err)
	}
	if *errOut != nil {
		t.Fatalf("schema get error: %v", *errOut)
	}
	if got.Name != "files" || len(got.Columns) != 2 || len(got.Indexes) != 1 {
		t.Errorf("schema = %+v", got)
	}

	entry := c.DBEntry("ns")
	ib := c.NewBatch(semantics.Default())
	entry.Insert(ib, "files", backend.Row{"path": "x", "size": uint64(10)})
	entry.Insert(ib, "files", backend.Row{"path": "y", "size": uint64(20)})
	if ok, err := ib.Execute(ctx); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}

	sel := &backend.Selector{Mode: backend.ModeAND, Leaves: []backend.Leaf{
		{Name: "size", Operator: backend.OpGE, Value: uint64(15)},
	}}
	qb := c.NewBatch(semantics.Default())
	rows, qerr := entry.Query(qb, "files", sel)
	if ok, err := qb.Execute(ctx); err != nil || !ok {
		t.Fatalf("query: ok=%v err=%v", ok, err)
	}
	if *qerr != nil {
		t.Fatalf("query error: %v", *qerr)
	}
	if len(*rows) != 1 || (*rows)[0]["path"] != "y" {
		t.Errorf("rows = %+v, want one row with path y", *rows)
	}
}

func TestNetworkDBErrorCrossesTheWire(t *testing.T) {
	addr := startTestServer(t)
	c := newNetworkClient(t, addr, nil)
	ctx := context.Background()

	gb := c.NewBatch(semantics.Default())
	_, errOut := c.DBSchema("ns").Get(gb, "missing")
	ok, err := gb.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ok {
		t.Fatal("expected the batch to report failure for a missing schema")
	}
	var dbErr *backend.DBError
	if !errors.As(*errOut, &dbErr) {
		t.Fatalf("error = %v (%T), want a reconstructed DBError", *errOut, *errOut)
	}
	if dbErr.Code != backend.ErrSchemaNotFound {
		t.Errorf("code = %v, want SCHEMA_NOT_FOUND", dbErr.Code)
	}
}

func TestEventualPutVisibleAfterImmediateGet(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()
	cache := opcache.New(ctx, 0)
	t.Cleanup(func() { cache.Close() })
	c := newNetworkClient(t, addr, cache)
	kv := c.KV("ns")

	eventual, _ := semantics.Default().WithConsistency(semantics.ConsistencyEventual)
	eb := c.NewBatch(eventual)
	kv.Put(eb, "a", []byte("1"))
	if ok, err := eb.Execute(ctx); err != nil || !ok {
		t.Fatalf("eventual put: ok=%v err=%v", ok, err)
	}

	// The immediate get flushes the cache before reading, so the
	// eventual write is observed regardless of worker timing.
	gb := c.NewBatch(semantics.Default())
	res := kv.Get(gb, "a")
	if ok, err := gb.Execute(ctx); err != nil || !ok {
		t.Fatalf("immediate get: ok=%v err=%v", ok, err)
	}
	if !res.Found || string(res.Value) != "1" {
		t.Errorf("got %+v, want found '1'", res)
	}
}
