// Package julea implements the application-facing frontends: KV,
// DistributedObject, and the DBEntry/DBSchema pair. These are the only
// types application code touches directly; each call builds one or
// more operation.Operation values, adds them to a caller-supplied
// batch.Batch, and lets the batch's fusion engine (package batch)
// decide how they execute.
//
// Routing is resolved once per Client, per backend kind, at
// construction: if a driver with the client component is loaded
// in-process, operations call it directly; otherwise the Client has no
// local backend for that kind and every operation is shipped as a
// framed network message over a pooled connection.
package julea

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/juleago/julea/internal/backend"
	"github.com/juleago/julea/internal/batch"
	"github.com/juleago/julea/internal/config"
	"github.com/juleago/julea/internal/connpool"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/opcache"
	"github.com/juleago/julea/internal/semantics"
	"github.com/juleago/julea/internal/stats"
)

// route holds one backend kind's resolved dispatch target: a pool and
// the server list used to reach that kind over the network when no
// in-process backend is loaded.
type route struct {
	kind  message.Kind
	pool  *connpool.Pool
	addrs []string
}

// Client is the application-facing entry point: it owns the resolved
// routing for each of the three backend kinds plus the shared cache
// and statistics collector every facade operation reports into.
type Client struct {
	Config *config.Configuration
	Stats  *stats.Collector
	Cache  *opcache.Cache

	objectBackend backend.ObjectBackend
	objectHandle  any
	objectRoute   route

	kvBackend backend.KVBackend
	kvHandle  any
	kvRoute   route

	dbBackend backend.DBBackend
	dbHandle  any
	dbRoute   route
}

// Pools bundles the three per-kind connection pools a Client uses when
// a backend kind has no client-side driver loaded.
type Pools struct {
	Object *connpool.Pool
	KV     *connpool.Pool
	DB     *connpool.Pool
}

// NewClient resolves cfg's backend selections against reg: each kind
// configured with component=client whose selected driver supports
// ComponentClient is loaded in-process (Init is called against cfg's
// path template); every other kind is routed over pools at call time. cache and st are shared
// across every operation this Client produces.
func NewClient(ctx context.Context, cfg *config.Configuration, reg *backend.Registry, pools Pools, cache *opcache.Cache, st *stats.Collector) (*Client, error) {
	c := &Client{
		Config: cfg,
		Stats:  st,
		Cache:  cache,
		objectRoute: route{kind: message.KindObject, pool: pools.Object, addrs: cfg.ServersObject},
		kvRoute:     route{kind: message.KindKV, pool: pools.KV, addrs: cfg.ServersKV},
		dbRoute:     route{kind: message.KindDB, pool: pools.DB, addrs: cfg.ServersDB},
	}

	// A kind tagged component=server in the configuration stays remote:
	// its driver runs inside the node process, and every operation for
	// that kind ships over the pool even when the driver could also run
	// in-process.
	if cfg.Object.Backend != "" && cfg.Object.Component == config.ComponentClient {
		if ob, h, err := loadObjectClient(reg, cfg.Object.Backend, cfg.Object.Expand(0)); err == nil {
			c.objectBackend, c.objectHandle = ob, h
		} else if err != backend.ErrComponentNotSupported {
			return nil, fmt.Errorf("julea: load object backend %q: %w", cfg.Object.Backend, err)
		}
	}
	if cfg.KV.Backend != "" && cfg.KV.Component == config.ComponentClient {
		if kb, h, err := loadKVClient(reg, cfg.KV.Backend, cfg.KV.Expand(0)); err == nil {
			c.kvBackend, c.kvHandle = kb, h
		} else if err != backend.ErrComponentNotSupported {
			return nil, fmt.Errorf("julea: load kv backend %q: %w", cfg.KV.Backend, err)
		}
	}
	if cfg.DB.Backend != "" && cfg.DB.Component == config.ComponentClient {
		if db, h, err := loadDBClient(reg, cfg.DB.Backend, cfg.DB.Expand(0)); err == nil {
			c.dbBackend, c.dbHandle = db, h
		} else if err != backend.ErrComponentNotSupported {
			return nil, fmt.Errorf("julea: load db backend %q: %w", cfg.DB.Backend, err)
		}
	}

	return c, nil
}

func loadObjectClient(reg *backend.Registry, name, path string) (backend.ObjectBackend, any, error) {
	b, err := reg.LoadClient(name, message.KindObject)
	if err != nil {
		return nil, nil, err
	}
	ob := b.(backend.ObjectBackend)
	h, err := ob.Init(context.Background(), path)
	if err != nil {
		return nil, nil, fmt.Errorf("julea: init object backend %q: %w", name, err)
	}
	return ob, h, nil
}

func loadKVClient(reg *backend.Registry, name, path string) (backend.KVBackend, any, error) {
	b, err := reg.LoadClient(name, message.KindKV)
	if err != nil {
		return nil, nil, err
	}
	kb := b.(backend.KVBackend)
	h, err := kb.Init(context.Background(), path)
	if err != nil {
		return nil, nil, fmt.Errorf("julea: init kv backend %q: %w", name, err)
	}
	return kb, h, nil
}

func loadDBClient(reg *backend.Registry, name, path string) (backend.DBBackend, any, error) {
	b, err := reg.LoadClient(name, message.KindDB)
	if err != nil {
		return nil, nil, err
	}
	db := b.(backend.DBBackend)
	h, err := db.Init(context.Background(), path)
	if err != nil {
		return nil, nil, fmt.Errorf("julea: init db backend %q: %w", name, err)
	}
	return db, h, nil
}

// NewBatch returns a fresh batch carrying sem and this Client's shared
// eventual-consistency cache. A Client with a nil Cache gives its
// batches no cache, so they always execute synchronously.
func (c *Client) NewBatch(sem semantics.Semantics) *batch.Batch {
	b := batch.New(sem)
	if c.Cache != nil {
		b = b.WithCache(c.Cache)
	}
	return b
}

// serverIndexForKey deterministically maps a namespace to one of
// numServers server indices by FNV-1a hash. KV/DB backends are not
// striped the way objects are; a namespace lives whole on one server
// instance.
func serverIndexForKey(key string, numServers int) int {
	if numServers <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % numServers
}
